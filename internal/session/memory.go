package session

import (
	"errors"
	"sync"
	"time"
)

// Memory is an in-process Adapter. It records every call so supervision
// logic can be exercised without a terminal multiplexer.
type Memory struct {
	Name string
	Now  func() time.Time

	mu        sync.Mutex
	exists    bool
	created   []string
	sent      []string
	destroyed int
	output    string
	outputAt  time.Time
	createErr error
}

func NewMemory(name string) *Memory {
	return &Memory{Name: name, Now: time.Now}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) Handle() Handle { return Handle(m.Name) }

func (m *Memory) SessionExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists
}

// FailCreate makes CreateSession fail with err; nil restores normal behavior.
func (m *Memory) FailCreate(err error) {
	m.mu.Lock()
	m.createErr = err
	m.mu.Unlock()
}

func (m *Memory) CreateSession(launchCommand string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", &CreateError{Session: m.Name, Err: m.createErr}
	}
	if m.exists {
		return "", &CreateError{Session: m.Name, Err: errors.New("duplicate session")}
	}
	m.exists = true
	m.created = append(m.created, launchCommand)
	return Handle(m.Name), nil
}

func (m *Memory) SendCommand(_ Handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return errors.New("no session")
	}
	m.sent = append(m.sent, text)
	return nil
}

// SetOutput replaces the pane text; the change time advances only when text differs.
func (m *Memory) SetOutput(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if text != m.output || m.outputAt.IsZero() {
		m.output = text
		m.outputAt = m.now()
	}
}

// SetOutputAt sets pane text with an explicit change time.
func (m *Memory) SetOutputAt(text string, at time.Time) {
	m.mu.Lock()
	m.output, m.outputAt = text, at
	m.mu.Unlock()
}

func (m *Memory) CaptureOutput(Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

func (m *Memory) LastCapture(Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

func (m *Memory) LastOutput(Handle) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputAt, !m.outputAt.IsZero()
}

func (m *Memory) DestroySession(Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exists {
		m.exists = false
		m.destroyed++
	}
	return nil
}

// Vanish removes the session as if it exited on its own.
func (m *Memory) Vanish() {
	m.mu.Lock()
	m.exists = false
	m.mu.Unlock()
}

// Created returns the launch commands passed to CreateSession.
func (m *Memory) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Sent returns the text passed to SendCommand.
func (m *Memory) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Destroyed counts sessions actually torn down.
func (m *Memory) Destroyed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
