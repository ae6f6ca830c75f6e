package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Register claims username for c. The claim fails with ErrUsernameTaken when
// another active session holds the exact same name. The client is told the
// result either way; on failure the caller is expected to close it.
func (h *Hub) Register(c *Client, username string) (*Session, error) {
	s, err := h.claim(c, username)
	if err != nil {
		h.metrics.registrations.WithLabelValues(registrationResult(err)).Inc()
		h.log.Info("Registration rejected",
			zap.String("remote", c.addr), zap.String("user", username), zap.Error(err))
		// A detached connection has nobody left to tell.
		if !errors.Is(err, ErrConnectionClosed) {
			h.send(c, registrationNotice(err, username))
		}
		return nil, err
	}

	h.metrics.registrations.WithLabelValues("ok").Inc()
	h.metrics.sessions.Inc()
	h.log.Info("User connected",
		zap.String("user", username), zap.String("session", s.ID.String()), zap.String("remote", c.addr))

	h.send(c, wire.Notice(wire.CodeRegistered, fmt.Sprintf("Registered as %s.", username)))
	h.BroadcastUserList()
	h.notifyOnline(username)
	return s, nil
}

func (h *Hub) claim(c *Client, username string) (*Session, error) {
	if err := validateUsername(username, h.maxUsernameLength); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, attached := h.conns[c]; !attached {
		return nil, ErrConnectionClosed
	}
	if c.session != nil {
		return nil, ErrAlreadyRegistered
	}
	if _, taken := h.sessions[username]; taken {
		return nil, ErrUsernameTaken
	}

	s := &Session{
		ID:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now(),
		client:    c,
		online:    true,
	}
	h.sessions[username] = s
	c.session = s
	return s, nil
}

// Unregister forgets c and, if it had registered, its session and presence,
// then re-broadcasts the user list. It is safe to call more than once and for
// connections that never registered.
func (h *Hub) Unregister(c *Client) {
	if h.detach(c) {
		h.BroadcastUserList()
	}
}

// detach removes c from the hub and closes its outbound channel. It reports
// whether a registered session went away with it.
func (h *Hub) detach(c *Client) bool {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, c)
	c.closed = true

	var username string
	if s := c.session; s != nil && h.sessions[s.Username] == s {
		username = s.Username
		delete(h.sessions, username)
	}
	remaining := len(h.sessions)
	h.mu.Unlock()

	// Close the channel after releasing the lock
	close(c.send)

	if username == "" {
		h.log.Info("Unregistered connection closed", zap.String("remote", c.addr))
		return false
	}
	h.metrics.sessions.Dec()
	h.log.Info("User disconnected", zap.String("user", username), zap.Int("sessions", remaining))
	return true
}

// lookup returns the client and presence of a registered username.
func (h *Hub) lookup(username string) (c *Client, online, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[username]
	if !ok {
		return nil, false, false
	}
	return s.client, s.online, true
}

func registrationResult(err error) string {
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return "taken"
	case errors.Is(err, ErrInvalidUsername):
		return "invalid"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	default:
		return "error"
	}
}

func registrationNotice(err error, username string) wire.Envelope {
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return wire.Notice(wire.CodeUsernameTaken, fmt.Sprintf("Username %s is already in use. Try another.", username))
	case errors.Is(err, ErrAlreadyRegistered):
		return wire.Notice(wire.CodeAlreadyRegistered, "This connection is already registered.")
	case errors.Is(err, ErrInvalidUsername):
		return wire.Notice(wire.CodeInvalidUsername, "Usernames must be non-empty printable text.")
	default:
		return wire.Notice(wire.CodeNotRegistered, "Registration failed.")
	}
}
