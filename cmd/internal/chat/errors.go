package chat

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match with errors.Is; Code maps them to wire codes.
var (
	ErrValidation   = errors.New("validation error")
	ErrFileTooLarge = fmt.Errorf("file too large: %w", ErrValidation)

	ErrAuthRequired = errors.New("auth required")
	ErrForbidden    = errors.New("forbidden")
	ErrNotAMember   = errors.New("not a member")

	ErrRoomNotFound           = errors.New("room not found")
	ErrMessageNotFound        = errors.New("message not found")
	ErrAttachmentNotFound     = errors.New("attachment not found")
	ErrScheduledEntryNotFound = errors.New("scheduled entry not found")

	ErrConnectionClosed = errors.New("connection closed")
	ErrTimeout          = errors.New("timeout")
	ErrGone             = errors.New("gone")
	ErrRoomClosed       = errors.New("room closed")
	ErrAlreadyDelivered = errors.New("already delivered")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human readable context and must not carry secrets or SQL text.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NotFoundError reports a missing resource by id.
type NotFoundError struct {
	Op       string
	Kind     error
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Resource)
}

func (e NotFoundError) Unwrap() error { return e.Kind }

// Invalid builds a validation OpError.
func Invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

// Wire codes, stable across WS and REST.
const (
	CodeValidation       = "validation_error"
	CodeFileTooLarge     = "file_too_large"
	CodeAuthRequired     = "auth_required"
	CodeForbidden        = "forbidden"
	CodeNotAMember       = "not_a_member"
	CodeRoomNotFound     = "room_not_found"
	CodeMessageNotFound  = "message_not_found"
	CodeAttachmentAbsent = "attachment_not_found"
	CodeScheduledAbsent  = "scheduled_entry_not_found"
	CodeConnectionClosed = "connection_closed"
	CodeTimeout          = "timeout"
	CodeGone             = "gone"
	CodeRoomClosed       = "room_closed"
	CodeAlreadyDelivered = "already_delivered"
	CodeInternal         = "internal"
)

// Code returns the wire code for err. Unknown errors map to CodeInternal.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFileTooLarge):
		return CodeFileTooLarge
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrMessageNotFound):
		return CodeMessageNotFound
	case errors.Is(err, ErrAttachmentNotFound):
		return CodeAttachmentAbsent
	case errors.Is(err, ErrScheduledEntryNotFound):
		return CodeScheduledAbsent
	case errors.Is(err, ErrConnectionClosed):
		return CodeConnectionClosed
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrGone):
		return CodeGone
	case errors.Is(err, ErrRoomClosed):
		return CodeRoomClosed
	case errors.Is(err, ErrAlreadyDelivered):
		return CodeAlreadyDelivered
	default:
		return CodeInternal
	}
}

// Public reports whether err carries a taxonomy kind that is safe to show to clients.
func Public(err error) bool {
	return Code(err) != CodeInternal
}

// IsNotFound reports whether err is any of the missing-resource kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrAttachmentNotFound) ||
		errors.Is(err, ErrScheduledEntryNotFound)
}
