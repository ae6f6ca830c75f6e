// Package server coordinates connection lifecycle, the session registry and
// user list broadcasts via the Hub type.
package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Hub owns every piece of shared chat state: attached connections, registered
// sessions with their presence flag, and private chat links. One lock guards
// all of it. No network I/O happens while it is held.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Client]struct{}
	sessions map[string]*Session
	chats    map[ChatKey]PrivateChatLink
	onOnline []func(username string)

	// broadcastMu keeps user list snapshots and their delivery in the same order.
	broadcastMu sync.Mutex

	maxUsernameLength int
	log               *zap.Logger
	metrics           *Metrics

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub ready to accept connections once Run is started.
func NewHub(cfg Config, log *zap.Logger, metrics *Metrics) *Hub {
	cfg = sanitizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		conns:             make(map[*Client]struct{}),
		sessions:          make(map[string]*Session),
		chats:             make(map[ChatKey]PrivateChatLink),
		maxUsernameLength: cfg.MaxUsernameLength,
		log:               log,
		metrics:           metrics,
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
	}
}

// Run blocks until Shutdown and then closes every live connection.
func (h *Hub) Run() {
	defer close(h.done)
	<-h.ctx.Done()
	h.shutdownClients()
}

// Context is cancelled when the hub shuts down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Attach tracks a freshly upgraded connection and starts its pumps. The
// connection stays in the Connecting state until it registers.
func (h *Hub) Attach(c *Client) bool {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		c.closeConnection()
		return false
	}
	h.conns[c] = struct{}{}
	total := len(h.conns)
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.Info("Client attached", zap.String("remote", c.addr), zap.Int("connections", total))

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return true
}

// goTask runs fn in the background unless the hub is shutting down.
func (h *Hub) goTask(fn func()) {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// safeSend queues payload on the client's outbound channel without blocking.
// It reports false when the client is gone or its buffer is full.
func (h *Hub) safeSend(c *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in safeSend", zap.Any("panic", r))
		}
	}()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, exists := h.conns[c]; !exists || c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// send encodes env and queues it for c.
func (h *Hub) send(c *Client, env wire.Envelope) bool {
	if c == nil {
		return false
	}
	if h.safeSend(c, wire.MustEncode(env)) {
		return true
	}
	h.metrics.dropped.Inc()
	h.log.Debug("Dropped outbound envelope", zap.String("remote", c.addr), zap.String("kind", string(env.Kind)))
	return false
}

// BroadcastUserList pushes the sorted list of registered usernames to every
// registered connection. A recipient that cannot take the update is dropped
// without affecting the others.
func (h *Hub) BroadcastUserList() {
	failed := h.broadcastUserListOnce()
	if len(failed) == 0 {
		return
	}

	h.metrics.dropped.Add(float64(len(failed)))
	removed := false
	for _, c := range failed {
		if h.detach(c) {
			h.log.Warn("Client removed due to full send buffer", zap.String("remote", c.addr))
			removed = true
		}
	}
	if removed {
		h.BroadcastUserList()
	}
}

func (h *Hub) broadcastUserListOnce() []*Client {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	users := h.usernamesLocked()
	recipients := lo.MapToSlice(h.sessions, func(_ string, s *Session) *Client { return s.client })
	h.mu.RUnlock()

	payload := wire.MustEncode(wire.UserList(users))
	var failed []*Client
	for _, c := range recipients {
		if !h.safeSend(c, payload) {
			failed = append(failed, c)
		}
	}

	h.metrics.broadcasts.Inc()
	h.log.Debug("Broadcast user list", zap.Strings("users", users), zap.Int("recipients", len(recipients)))
	return failed
}

// Usernames returns the registered usernames in sorted order.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.usernamesLocked()
}

func (h *Hub) usernamesLocked() []string {
	users := lo.Keys(h.sessions)
	slices.Sort(users)
	return users
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// shutdownClients closes every live connection; the pumps then unregister.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections")

	h.mu.RLock()
	clients := lo.Keys(h.conns)
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeConnection()
	}

	h.log.Info("Closed client connections", zap.Int("count", len(clients)))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown")

	h.cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warn("Hub shutdown timeout reached before the run loop stopped")
		return context.DeadlineExceeded
	}

	// No goroutine can be added once this barrier passes.
	h.mu.Lock()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-timer.C:
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
