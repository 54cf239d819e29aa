package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"handoff/internal/metrics"
	"handoff/internal/models"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidRole       = errors.New("role must be agent or user")
)

// Connection 中继上的一个客户端连接，投递只做非阻塞入队，由传输层消费
type Connection struct {
	id   string
	send chan models.Event

	mu     sync.Mutex
	closed bool

	// 订阅的工单反向索引，由 Relay.mu 保护
	tickets map[string]struct{}
	agents  map[string]struct{}
	users   map[string]struct{}
}

func (c *Connection) ID() string { return c.id }

// Events 下发队列，连接移除时关闭
func (c *Connection) Events() <-chan models.Event { return c.send }

func (c *Connection) deliver(ev models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ChatMessage 广播到工单频道的消息
type ChatMessage struct {
	MessageID  string
	TicketID   string
	Content    string
	SenderID   string
	SenderName string
	SenderType models.SenderType
	IsInternal bool
	Timestamp  time.Time
}

type RelayOptions struct {
	SendBuffer int
}

// Relay 实时中继，管理连接与订阅并广播事件
// 工单频道记录每个订阅者的角色，内部消息只发给客服
type Relay struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	tickets map[string]map[string]models.SenderType
	agents  map[string]map[string]struct{}
	users   map[string]string

	// 按工单串行广播，保证所有订阅者看到相同顺序
	order keyedMutex

	sendBuffer int
	stats      *metrics.RelayStats
	logger     *logrus.Logger
	now        func() time.Time
}

func NewRelay(opts RelayOptions, logger *logrus.Logger) *Relay {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Relay{
		conns:      make(map[string]*Connection),
		tickets:    make(map[string]map[string]models.SenderType),
		agents:     make(map[string]map[string]struct{}),
		users:      make(map[string]string),
		sendBuffer: opts.SendBuffer,
		stats:      metrics.NewRelayStats(),
		logger:     logger,
		now:        time.Now,
	}
}

// Connect 注册新连接并发送欢迎事件
func (r *Relay) Connect() *Connection {
	c := &Connection{
		id:      uuid.NewString(),
		send:    make(chan models.Event, r.sendBuffer),
		tickets: make(map[string]struct{}),
		agents:  make(map[string]struct{}),
		users:   make(map[string]struct{}),
	}
	r.mu.Lock()
	r.conns[c.id] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"conn_id": c.id, "total": total}).Info("relay connection registered")
	r.send(c, models.Event{Type: models.EventWelcome, ClientID: c.id})
	return c
}

// Disconnect 将连接从所有频道移除，可重复调用
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	for ticketID := range c.tickets {
		r.removeTicketMember(ticketID, connID)
	}
	for agentID := range c.agents {
		if set := r.agents[agentID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.agents, agentID)
			}
		}
	}
	for userID := range c.users {
		if r.users[userID] == connID {
			delete(r.users, userID)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	c.close()
	r.logger.WithFields(logrus.Fields{"conn_id": connID, "total": total}).Info("relay connection removed")
}

// SubscribeTicket 以指定角色订阅工单频道，重复订阅会覆盖角色
func (r *Relay) SubscribeTicket(connID, ticketID string, role models.SenderType) error {
	if ticketID == "" {
		return errors.New("ticket id is required")
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	r.addTicketMember(c, ticketID, role)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"conn_id": connID, "ticket_id": ticketID, "role": role}).Debug("ticket subscription")
	r.send(c, models.Event{Type: models.EventSubscriptionConfirmed, TicketID: ticketID, Role: role})
	return nil
}

// UnsubscribeTicket 取消单个工单订阅
func (r *Relay) UnsubscribeTicket(connID, ticketID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		delete(c.tickets, ticketID)
		r.removeTicketMember(ticketID, connID)
	}
	r.mu.Unlock()
}

// SubscribeAgent 加入客服个人频道，一个客服可以有多个连接
func (r *Relay) SubscribeAgent(connID, agentID string) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	set := r.agents[agentID]
	if set == nil {
		set = make(map[string]struct{})
		r.agents[agentID] = set
	}
	set[connID] = struct{}{}
	c.agents[agentID] = struct{}{}
	r.mu.Unlock()

	r.send(c, models.Event{Type: models.EventAgentSubscriptionConfirmed, AgentID: agentID})
	return nil
}

// SubscribeUser 将用户绑定到该连接，每个用户只保留最新连接
func (r *Relay) SubscribeUser(connID, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if prev, ok := r.users[userID]; ok && prev != connID {
		if pc := r.conns[prev]; pc != nil {
			delete(pc.users, userID)
		}
	}
	r.users[userID] = connID
	c.users[userID] = struct{}{}
	r.mu.Unlock()

	r.send(c, models.Event{Type: models.EventUserSubscriptionConfirmed, UserID: userID})
	return nil
}

// AttachUser 将用户当前连接订阅到工单
func (r *Relay) AttachUser(userID, ticketID string) bool {
	r.mu.RLock()
	connID, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.SubscribeTicket(connID, ticketID, models.SenderUser) == nil
}

// AttachAgent 将客服频道的所有连接订阅到工单，返回订阅数量
func (r *Relay) AttachAgent(agentID, ticketID string) int {
	n := 0
	for _, connID := range r.agentConns(agentID) {
		if r.SubscribeTicket(connID, ticketID, models.SenderAgent) == nil {
			n++
		}
	}
	return n
}

// CloseTicket 清除 ticketID 的所有订阅
func (r *Relay) CloseTicket(ticketID string) int {
	r.mu.Lock()
	members := r.tickets[ticketID]
	for connID := range members {
		if c := r.conns[connID]; c != nil {
			delete(c.tickets, ticketID)
		}
	}
	delete(r.tickets, ticketID)
	r.mu.Unlock()
	return len(members)
}

// Broadcast 将消息广播到工单频道，返回入队的连接数
// 内部消息跳过所有非客服订阅者
func (r *Relay) Broadcast(msg ChatMessage) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	ev := models.Event{
		Type:       models.EventChatMessage,
		TicketID:   msg.TicketID,
		MessageID:  msg.MessageID,
		Content:    msg.Content,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		SenderType: msg.SenderType,
		IsInternal: msg.IsInternal,
		Timestamp:  msg.Timestamp,
	}
	return r.publishTicket(msg.TicketID, ev, msg.IsInternal)
}

// BroadcastTyping 广播输入状态
func (r *Relay) BroadcastTyping(ticketID, senderID string, senderType models.SenderType, isTyping bool) int {
	typing := isTyping
	return r.publishTicket(ticketID, models.Event{
		Type:       models.EventTyping,
		TicketID:   ticketID,
		SenderID:   senderID,
		SenderType: senderType,
		IsTyping:   &typing,
	}, false)
}

// BroadcastReadReceipts 广播 readerID 的已读消息
func (r *Relay) BroadcastReadReceipts(ticketID string, messageIDs []string, readerID string) int {
	ids := make([]string, len(messageIDs))
	copy(ids, messageIDs)
	return r.publishTicket(ticketID, models.Event{
		Type:       models.EventReadReceipts,
		TicketID:   ticketID,
		MessageIDs: ids,
		ReaderID:   readerID,
	}, false)
}

// NotifyTicketCreated 通知工单频道和所有在线客服有新工单，每个连接最多收到一次
func (r *Relay) NotifyTicketCreated(ticket models.TicketSnapshot) int {
	ev := models.Event{Type: models.EventTicketCreated, TicketID: ticket.ID, Ticket: &ticket}

	unlock := r.order.Lock(ticket.ID)
	defer unlock()

	r.mu.RLock()
	seen := make(map[string]struct{})
	var targets []*Connection
	for connID := range r.tickets[ticket.ID] {
		seen[connID] = struct{}{}
		if c := r.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	for _, set := range r.agents {
		for connID := range set {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			if c := r.conns[connID]; c != nil {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	return r.deliverAll(targets, ev)
}

// NotifyTicketAssigned 通知工单频道和被分配的客服
func (r *Relay) NotifyTicketAssigned(ticket models.TicketSnapshot) int {
	ev := models.Event{Type: models.EventTicketAssigned, TicketID: ticket.ID, AgentID: ticket.AgentID, Ticket: &ticket}

	unlock := r.order.Lock(ticket.ID)
	defer unlock()

	r.mu.RLock()
	seen := make(map[string]struct{})
	var targets []*Connection
	for connID := range r.tickets[ticket.ID] {
		seen[connID] = struct{}{}
		if c := r.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	for connID := range r.agents[ticket.AgentID] {
		if _, dup := seen[connID]; dup {
			continue
		}
		if c := r.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	return r.deliverAll(targets, ev)
}

// NotifyAgent 发送给客服的所有连接
func (r *Relay) NotifyAgent(agentID string, ev models.Event) int {
	r.mu.RLock()
	var targets []*Connection
	for connID := range r.agents[agentID] {
		if c := r.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.deliverAll(targets, ev)
}

// NotifyUser 发送给用户连接
func (r *Relay) NotifyUser(userID string, ev models.Event) bool {
	r.mu.RLock()
	c := r.conns[r.users[userID]]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	return r.send(c, ev)
}

// SendError 只向单个连接发送错误
func (r *Relay) SendError(connID, message string) bool {
	r.mu.RLock()
	c := r.conns[connID]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	return r.send(c, models.Event{Type: models.EventError, ErrorMessage: message})
}

func (r *Relay) publishTicket(ticketID string, ev models.Event, agentsOnly bool) int {
	if ticketID == "" {
		return 0
	}
	unlock := r.order.Lock(ticketID)
	defer unlock()

	r.mu.RLock()
	members := r.tickets[ticketID]
	targets := make([]*Connection, 0, len(members))
	for connID, role := range members {
		if agentsOnly && role != models.SenderAgent {
			r.stats.IncFiltered()
			continue
		}
		if c := r.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	return r.deliverAll(targets, ev)
}

func (r *Relay) deliverAll(targets []*Connection, ev models.Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	n := 0
	for _, c := range targets {
		if r.send(c, ev) {
			n++
		}
	}
	return n
}

func (r *Relay) send(c *Connection, ev models.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if c.deliver(ev) {
		r.stats.IncDelivered()
		return true
	}
	r.stats.IncDropped(string(ev.Type))
	r.logger.WithFields(logrus.Fields{"conn_id": c.id, "type": ev.Type, "ticket_id": ev.TicketID}).Debug("relay event dropped")
	return false
}

func (r *Relay) addTicketMember(c *Connection, ticketID string, role models.SenderType) {
	members := r.tickets[ticketID]
	if members == nil {
		members = make(map[string]models.SenderType)
		r.tickets[ticketID] = members
	}
	members[c.id] = role
	c.tickets[ticketID] = struct{}{}
}

func (r *Relay) removeTicketMember(ticketID, connID string) {
	members := r.tickets[ticketID]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.tickets, ticketID)
	}
}

func (r *Relay) agentConns(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents[agentID]))
	for connID := range r.agents[agentID] {
		ids = append(ids, connID)
	}
	return ids
}

// RoleOf 返回 connID 在 ticketID 上的角色
func (r *Relay) RoleOf(connID, ticketID string) (models.SenderType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.tickets[ticketID][connID]
	return role, ok
}

// TicketSubscribers 返回工单频道订阅者及角色的副本
func (r *Relay) TicketSubscribers(ticketID string) map[string]models.SenderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.SenderType, len(r.tickets[ticketID]))
	for connID, role := range r.tickets[ticketID] {
		out[connID] = role
	}
	return out
}

func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RelayStatus 中继统计信息
type RelayStatus struct {
	Connections  int                   `json:"connections"`
	Tickets      int                   `json:"tickets"`
	Agents       int                   `json:"agents"`
	Users        int                   `json:"users"`
	Deliveries   metrics.RelaySnapshot `json:"deliveries"`
	OrderingKeys int                   `json:"ordering_keys"`
}

func (r *Relay) Status() RelayStatus {
	r.mu.RLock()
	st := RelayStatus{
		Connections: len(r.conns),
		Tickets:     len(r.tickets),
		Agents:      len(r.agents),
		Users:       len(r.users),
	}
	r.mu.RUnlock()
	st.Deliveries = r.stats.Snapshot()
	st.OrderingKeys = r.order.size()
	return st
}

// Shutdown 断开所有连接
func (r *Relay) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id)
	}
}
