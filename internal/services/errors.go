package services

import (
	"errors"

	"handoff/internal/models"
	"handoff/pkg/utils"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrAlreadyAssigned   = models.ErrAlreadyAssigned
	ErrInvalidTransition = models.ErrInvalidTransition
	ErrEmptyContent      = utils.ErrEmptyMessage
	ErrContentTooLong    = utils.ErrMessageTooLong
	ErrMissingID         = errors.New("required id is missing")
	ErrNotOwner          = errors.New("agent does not own this ticket")
	ErrTicketClosed      = errors.New("ticket is closed")
	ErrInvalidSender     = errors.New("sender type must be agent or user")
	ErrEmptyReceipts     = errors.New("no message ids to acknowledge")
)

// IsValidationError 判断是否为参数错误
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrContentTooLong) ||
		errors.Is(err, ErrMissingID) ||
		errors.Is(err, ErrInvalidSender) ||
		errors.Is(err, ErrEmptyReceipts) ||
		errors.Is(err, models.ErrMissingAgent)
}

// IsConflict 判断是否为负责人或状态冲突
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyAssigned) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTicketClosed)
}
