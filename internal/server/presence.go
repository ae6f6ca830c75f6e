package server

import (
	"slices"

	"github.com/Tyrowin/privchat/internal/wire"
	"go.uber.org/zap"
)

// SetStatus records the self-declared presence of username. Going from
// offline to online runs the OnOnline hooks in the background.
func (h *Hub) SetStatus(username string, online bool) error {
	h.mu.Lock()
	s, ok := h.sessions[username]
	if !ok {
		h.mu.Unlock()
		return ErrNotRegistered
	}
	changed := s.online != online
	s.online = online
	c := s.client
	h.mu.Unlock()

	state := "offline"
	if online {
		state = "online"
	}
	h.log.Info("Presence updated", zap.String("user", username), zap.String("status", state), zap.Bool("changed", changed))
	h.send(c, wire.Notice(wire.CodeStatusChanged, "You are now "+state+"."))

	if changed && online {
		h.notifyOnline(username)
	}
	return nil
}

// IsOnline reports the presence flag; unknown users are offline.
func (h *Hub) IsOnline(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[username]
	return ok && s.online
}

// OnOnline registers fn to run whenever a user becomes online, registration
// included.
func (h *Hub) OnOnline(fn func(username string)) {
	h.mu.Lock()
	h.onOnline = append(h.onOnline, fn)
	h.mu.Unlock()
}

func (h *Hub) notifyOnline(username string) {
	h.mu.RLock()
	hooks := slices.Clone(h.onOnline)
	h.mu.RUnlock()

	for _, fn := range hooks {
		h.goTask(func() { fn(username) })
	}
}
