package services

import (
	"fmt"

	"handoff/internal/models"
)

const (
	noticeUserRequested    = "Tu solicitud de hablar con un agente humano ha sido registrada. Un agente te atenderá lo antes posible. Mientras tanto, puedes seguir escribiendo y tu mensaje será visible para el agente cuando se conecte."
	noticeMultipleFailures = "Parece que estamos teniendo dificultades para resolver tu consulta. Te estamos conectando con un agente humano que podrá ayudarte mejor. Un agente te atenderá lo antes posible."
	noticeComplexQuery     = "Tu consulta requiere atención especializada. Estamos redirigiendo tu conversación a un agente humano que podrá ayudarte. Un agente te atenderá lo antes posible."
	noticeAgentDecision    = "Un agente ha decidido atender tu caso personalmente. Un agente te atenderá lo antes posible."
	noticeEscalated        = "Tu conversación ha sido escalada a un agente humano. Un agente te atenderá lo antes posible."

	noticeResolved   = "Tu consulta ha sido marcada como resuelta. Si necesitas más ayuda, no dudes en decirlo."
	noticeUnassigned = "Tu consulta ha sido reasignada. Un nuevo agente te atenderá pronto."
	noticeReopened   = "Tu consulta ha sido reabierta. Un agente te atenderá lo antes posible."
)

// EscalationNotice 创建工单时追加给用户的提示
func EscalationNotice(reason models.EscalationReason) string {
	switch reason {
	case models.ReasonUserRequested:
		return noticeUserRequested
	case models.ReasonMultipleFailures:
		return noticeMultipleFailures
	case models.ReasonComplexQuery:
		return noticeComplexQuery
	case models.ReasonAgentDecision:
		return noticeAgentDecision
	}
	return noticeEscalated
}

func AssignedNotice(agentName string) string {
	return fmt.Sprintf("Tu consulta ha sido asignada al agente %s. Pronto te responderá.", agentName)
}

func ResolvedNotice() string { return noticeResolved }
func UnassignedNotice() string { return noticeUnassigned }
func ReopenedNotice() string { return noticeReopened }
