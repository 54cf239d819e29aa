package services

import (
	"strings"

	"github.com/sirupsen/logrus"

	"handoff/internal/config"
	"handoff/internal/models"
)

// EscalationDetector 判断用户消息是否需要转人工，除短语列表外无状态
type EscalationDetector struct {
	handoff     []string
	frustration []string
	threshold   int
	window      int
	logger      *logrus.Logger
}

func NewEscalationDetector(cfg config.EscalationConfig, logger *logrus.Logger) *EscalationDetector {
	if logger == nil {
		logger = logrus.New()
	}
	if len(cfg.HandoffPhrases) == 0 {
		cfg.HandoffPhrases = config.DefaultHandoffPhrases()
	}
	if len(cfg.FrustrationPhrases) == 0 {
		cfg.FrustrationPhrases = config.DefaultFrustrationPhrases()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	return &EscalationDetector{
		handoff:     lowerAll(cfg.HandoffPhrases),
		frustration: lowerAll(cfg.FrustrationPhrases),
		threshold:   cfg.FailureThreshold,
		window:      cfg.HistoryWindow,
		logger:      logger,
	}
}

// Check 判断消息是否需要转人工及原因
// 明确要求人工优先于连续失败，conv 可以为 nil
func (d *EscalationDetector) Check(message string, conv models.Conversation) (bool, models.EscalationReason) {
	if phrase, ok := containsAny(strings.ToLower(message), d.handoff); ok {
		d.logger.WithField("phrase", phrase).Info("escalation requested by user")
		return true, models.ReasonUserRequested
	}

	if conv == nil {
		return false, ""
	}
	if failures := d.ConsecutiveFailures(conv.Turns()); failures >= d.threshold {
		d.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID(),
			"failures":        failures,
		}).Info("escalation after repeated failures")
		return true, models.ReasonMultipleFailures
	}
	return false, ""
}

// ConsecutiveFailures 统计历史窗口末尾连续的不满用户消息
// 遇到任何非不满用户消息（包括助手和系统消息）即停止计数
func (d *EscalationDetector) ConsecutiveFailures(turns []models.Turn) int {
	if len(turns) > d.window {
		turns = turns[len(turns)-d.window:]
	}
	count := 0
	for _, turn := range turns {
		if turn.Role != models.RoleUser {
			count = 0
			continue
		}
		if _, ok := containsAny(strings.ToLower(turn.Content), d.frustration); ok {
			count++
		} else {
			count = 0
		}
	}
	return count
}

// Threshold 触发转人工的连续失败次数
func (d *EscalationDetector) Threshold() int { return d.threshold }

func containsAny(s string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, p) {
			return p, true
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
