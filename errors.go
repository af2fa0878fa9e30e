package feiralivre

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// Code classifies chat client errors.
type Code string

const (
	CodeTransport Code = "TRANSPORT"
	CodeDirectory Code = "DIRECTORY"
	CodeHistory   Code = "HISTORY"
	CodeMalformed Code = "MALFORMED"
	CodePrecheck  Code = "PRECHECK"
	CodeInternal  Code = "INTERNAL"
)

// ChatError is a code-carrying error. Transport and directory errors are
// user-surfaced with a manual retry; malformed and precheck errors never are.
type ChatError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChatError) Unwrap() error { return e.Cause }

// Constructors
func transportErr(msg string, cause error) error {
	return &ChatError{Code: CodeTransport, Message: msg, Cause: cause}
}

func directoryErr(msg string, cause error) error {
	return &ChatError{Code: CodeDirectory, Message: msg, Cause: cause}
}

func historyErr(msg string, cause error) error {
	return &ChatError{Code: CodeHistory, Message: msg, Cause: cause}
}

// CodeOf returns the ChatError code. The send precheck sentinels classify as
// CodePrecheck; any other foreign error is CodeInternal.
func CodeOf(err error) Code {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrEmptyText),
		errors.Is(err, ErrNoIdentity),
		errors.Is(err, ErrNoConversation):
		return CodePrecheck
	}
	return CodeInternal
}

// ============================================================================
// Sentinels
// ============================================================================

var (
	// ErrNotReady is returned when the session has no identity or token yet.
	// All socket and REST activity is deferred until the session is ready.
	ErrNotReady = errors.New("session not ready")

	// ErrNotConnected is returned when a socket command is issued without an
	// open connection.
	ErrNotConnected = errors.New("not connected")

	// Send prechecks. These block the send silently; callers disable the send
	// control rather than surfacing them.
	ErrEmptyText      = errors.New("empty message text")
	ErrNoIdentity     = errors.New("no user identity")
	ErrNoConversation = errors.New("no active conversation")
)
