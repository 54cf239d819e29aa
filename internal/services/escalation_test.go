package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"handoff/internal/config"
	"handoff/internal/models"
)

func convWith(turns ...models.Turn) *models.ConversationLog {
	conv := models.NewConversationLog("conv-1", "user-1", nil)
	for _, t := range turns {
		conv.Add(t)
	}
	return conv
}

func user(content string) models.Turn {
	return models.Turn{Role: models.RoleUser, Content: content}
}

func assistant(content string) models.Turn {
	return models.Turn{Role: models.RoleAssistant, Content: content}
}

func TestEscalationDetector_UserRequested(t *testing.T) {
	d := NewEscalationDetector(config.EscalationConfig{}, nil)

	cases := []string{
		"quiero hablar con un agente",
		"Quiero HABLAR con un AGENTE por favor",
		"necesito un humano ya",
	}
	for _, msg := range cases {
		ok, reason := d.Check(msg, nil)
		assert.True(t, ok, msg)
		assert.Equal(t, models.ReasonUserRequested, reason, msg)
	}

	ok, reason := d.Check("cuál es mi saldo", convWith())
	assert.False(t, ok)
	assert.Empty(t, reason)
}

func TestEscalationDetector_FrustrationRun(t *testing.T) {
	d := NewEscalationDetector(config.EscalationConfig{FailureThreshold: 3}, nil)

	run := convWith(
		user("no entiendes"),
		assistant("..."),
		user("no entiendes"),
		user("no entiendes"),
		user("no entiendes"),
	)
	ok, reason := d.Check("hola", run)
	assert.True(t, ok)
	assert.Equal(t, models.ReasonMultipleFailures, reason)

	broken := convWith(
		user("no entiendes"),
		assistant("x"),
		user("no entiendes"),
		assistant("y"),
		user("no entiendes"),
	)
	ok, _ = d.Check("hola", broken)
	assert.False(t, ok, "assistant turns reset the run")
}

func TestEscalationDetector_ConsecutiveFailures(t *testing.T) {
	d := NewEscalationDetector(config.EscalationConfig{HistoryWindow: 6}, nil)

	assert.Equal(t, 0, d.ConsecutiveFailures(nil))
	assert.Equal(t, 2, d.ConsecutiveFailures([]models.Turn{
		user("no entiendes"), user("NO ENTIENDES nada"),
	}))
	assert.Equal(t, 1, d.ConsecutiveFailures([]models.Turn{
		user("no entiendes"), user("gracias"), user("no entiendes"),
	}), "a calm user turn ends the run")
	assert.Equal(t, 0, d.ConsecutiveFailures([]models.Turn{
		user("no entiendes"), {Role: models.RoleSystem, Content: "aviso"},
	}))

	// 只检查末尾窗口
	long := []models.Turn{
		user("no entiendes"), user("no entiendes"), user("no entiendes"),
		user("hola"), user("no entiendes"), user("no entiendes"),
		user("no entiendes"), user("no entiendes"),
	}
	assert.Equal(t, 4, d.ConsecutiveFailures(long))
}

func TestEscalationDetector_RequestBeatsFrustration(t *testing.T) {
	d := NewEscalationDetector(config.EscalationConfig{}, nil)
	conv := convWith(user("no entiendes"), user("no entiendes"), user("no entiendes"))

	ok, reason := d.Check("necesito un agente", conv)
	assert.True(t, ok)
	assert.Equal(t, models.ReasonUserRequested, reason)
}

func TestEscalationDetector_CustomPhrases(t *testing.T) {
	d := NewEscalationDetector(config.EscalationConfig{
		HandoffPhrases:     []string{"  Operator  "},
		FrustrationPhrases: []string{"useless"},
		FailureThreshold:   2,
	}, nil)

	ok, reason := d.Check("get me an OPERATOR", nil)
	assert.True(t, ok)
	assert.Equal(t, models.ReasonUserRequested, reason)

	ok, _ = d.Check("quiero hablar con un agente", nil)
	assert.False(t, ok, "custom list replaces the defaults")

	ok, reason = d.Check("hmm", convWith(user("useless"), user("so useless")))
	assert.True(t, ok)
	assert.Equal(t, models.ReasonMultipleFailures, reason)
	assert.Equal(t, 2, d.Threshold())
}
