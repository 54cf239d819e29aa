package metrics

import (
	"sync"
	"sync/atomic"
)

// RelayStats 实时投递计数，每个中继一份
type RelayStats struct {
	delivered uint64
	dropped   uint64
	filtered  uint64
	mu        sync.Mutex
	byType    map[string]uint64
}

// RelaySnapshot RelayStats 的快照
type RelaySnapshot struct {
	Delivered     uint64            `json:"delivered"`
	Dropped       uint64            `json:"dropped"`
	Filtered      uint64            `json:"filtered"`
	DroppedByType map[string]uint64 `json:"dropped_by_type"`
}

func NewRelayStats() *RelayStats {
	return &RelayStats{byType: make(map[string]uint64)}
}

func (s *RelayStats) IncDelivered() { atomic.AddUint64(&s.delivered, 1) }

// IncFiltered 记录未发给非客服订阅者的内部消息
func (s *RelayStats) IncFiltered() { atomic.AddUint64(&s.filtered, 1) }

// IncDropped 记录因连接已满或已断开而丢弃的事件
func (s *RelayStats) IncDropped(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	atomic.AddUint64(&s.dropped, 1)
	s.mu.Lock()
	if s.byType == nil {
		s.byType = make(map[string]uint64)
	}
	s.byType[eventType]++
	s.mu.Unlock()
}

func (s *RelayStats) Snapshot() RelaySnapshot {
	snap := RelaySnapshot{
		Delivered: atomic.LoadUint64(&s.delivered),
		Dropped:   atomic.LoadUint64(&s.dropped),
		Filtered:  atomic.LoadUint64(&s.filtered),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.DroppedByType = make(map[string]uint64, len(s.byType))
	for k, v := range s.byType {
		snap.DroppedByType[k] = v
	}
	return snap
}

// DispatchStats 后台广播任务计数
type DispatchStats struct {
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

type DispatchSnapshot struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

func (s *DispatchStats) IncSubmitted() { atomic.AddUint64(&s.submitted, 1) }
func (s *DispatchStats) IncCompleted() { atomic.AddUint64(&s.completed, 1) }
func (s *DispatchStats) IncFailed() { atomic.AddUint64(&s.failed, 1) }
func (s *DispatchStats) IncRejected() { atomic.AddUint64(&s.rejected, 1) }

func (s *DispatchStats) Snapshot() DispatchSnapshot {
	return DispatchSnapshot{
		Submitted: atomic.LoadUint64(&s.submitted),
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		Rejected:  atomic.LoadUint64(&s.rejected),
	}
}
