// Package session wraps the terminal multiplexer that hosts the supervised job.
package session

import (
	"fmt"
	"time"
)

// Handle identifies a multiplexer session.
type Handle string

// Adapter is the capability the supervisor needs from the session manager.
// At most one session per configured name exists at any time.
type Adapter interface {
	// Handle returns the handle of the configured session, whether or not it exists.
	Handle() Handle
	// SessionExists reports whether the configured session is registered.
	SessionExists() bool
	// CreateSession starts a detached session running launchCommand.
	// An empty launchCommand starts an idle shell.
	CreateSession(launchCommand string) (Handle, error)
	// SendCommand types text followed by Enter into the active pane.
	// Delivery is not confirmed; callers poll for the effect.
	SendCommand(h Handle, text string) error
	// CaptureOutput returns the visible pane text, or "" when capture fails.
	CaptureOutput(h Handle) string
	// LastOutput returns when captured output last changed.
	LastOutput(h Handle) (time.Time, bool)
	// DestroySession terminates the session. Destroying a missing session is a no-op.
	DestroySession(h Handle) error
}

// LastCapturer is implemented by adapters that keep the last non-empty pane
// capture after the session itself is gone.
type LastCapturer interface {
	LastCapture(h Handle) string
}

// CreateError is returned when the session manager could not create a session.
type CreateError struct {
	Session string
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create session %s: %v", e.Session, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }
