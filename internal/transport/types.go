package transport

import (
	"context"
	"fmt"
	"strings"
)

// Credentials address one Telegram bot and chat. ChatID is kept as text so
// both numeric ids and @channel names work.
type Credentials struct {
	Token  string
	ChatID string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Token) == "" || strings.TrimSpace(c.ChatID) == ""
}

// Redacted returns the token with everything but its bot id masked.
func (c Credentials) Redacted() string {
	t := strings.TrimSpace(c.Token)
	if i := strings.IndexByte(t, ':'); i > 0 {
		return t[:i] + ":***"
	}
	if t == "" {
		return ""
	}
	return "***"
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers a text message.
type Sender interface {
	SendText(ctx context.Context, to Credentials, text string, opt *SendOptions) error
}

// CredentialTester sends a probe message and reports whether the
// credentials work.
type CredentialTester interface {
	TestCredentials(ctx context.Context, to Credentials, text string) error
}

// CredentialError is returned for empty or rejected credentials.
type CredentialError struct {
	Reason string
	// Status is the HTTP status of the rejecting reply, 0 if none was received.
	Status int
	Err    error
}

func (e *CredentialError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("telegram credentials: %s (http=%d): %v", e.Reason, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("telegram credentials: %s (http=%d)", e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("telegram credentials: %s: %v", e.Reason, e.Err)
	default:
		return "telegram credentials: " + e.Reason
	}
}

func (e *CredentialError) Unwrap() error { return e.Err }
