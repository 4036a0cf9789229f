package session

import (
	"errors"
	"fmt"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	// It matches chat.ErrAuthRequired.
	ErrInvalidToken = fmt.Errorf("invalid token: %w", chat.ErrAuthRequired)

	// ErrCannotIssue is returned by Issue when only a public key is configured.
	ErrCannotIssue = errors.New("issuing requires a secret key")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
