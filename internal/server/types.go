// Package server defines the session type and small helpers shared by the
// hub, the router and the client pumps.
package server

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Session is one registered connection. Username never changes once set; the
// online flag is guarded by the hub lock.
type Session struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time

	client *Client
	online bool
}

// Mailbox is the durable offline queue the router falls back to. Drain may
// return messages together with an error; those messages have already left
// the mailbox and still have to be handed over.
type Mailbox interface {
	Store(ctx context.Context, username, body string) error
	Drain(ctx context.Context, username string) ([]string, error)
}

func validateUsername(name string, maxLen int) error {
	if strings.TrimSpace(name) == "" || utf8.RuneCountInString(name) > maxLen || !utf8.ValidString(name) {
		return ErrInvalidUsername
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrInvalidUsername
		}
	}
	return nil
}

// offlineBody is how a queued message reads once it reaches its recipient.
func offlineBody(sender, body string) string {
	return sender + ": " + body
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
