package server

import (
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"go.uber.org/zap"
)

// ChatKey identifies the private chat between two users regardless of who
// started it: Low is always the lexicographically smaller username.
type ChatKey struct {
	Low  string
	High string
}

// NewChatKey returns the canonical key for the pair.
func NewChatKey(a, b string) ChatKey {
	if b < a {
		a, b = b, a
	}
	return ChatKey{Low: a, High: b}
}

// PrivateChatLink is an established routing relationship between two users.
// Links are never removed; they outlive the sessions that created them.
type PrivateChatLink struct {
	Key       ChatKey
	CreatedAt time.Time
}

// StartChat links initiator and target and tells both about it. Starting an
// existing chat again reuses the link.
func (h *Hub) StartChat(initiator, target string) (PrivateChatLink, error) {
	h.mu.Lock()
	from, ok := h.sessions[initiator]
	if !ok {
		h.mu.Unlock()
		return PrivateChatLink{}, ErrNotRegistered
	}
	if initiator == target {
		h.mu.Unlock()
		h.send(from.client, wire.Notice(wire.CodeInvalidTarget, "You cannot start a private chat with yourself."))
		return PrivateChatLink{}, ErrSelfChat
	}
	to, ok := h.sessions[target]
	if !ok {
		h.mu.Unlock()
		h.send(from.client, wire.Notice(wire.CodeNotFound, "User "+target+" not found."))
		return PrivateChatLink{}, ErrTargetNotFound
	}

	key := NewChatKey(initiator, target)
	link, exists := h.chats[key]
	if !exists {
		link = PrivateChatLink{Key: key, CreatedAt: time.Now()}
		h.chats[key] = link
	}
	h.mu.Unlock()

	h.log.Info("Private chat started",
		zap.String("from", initiator), zap.String("to", target), zap.Bool("existing", exists))

	started := wire.Notice(wire.CodeChatStarted, "Private chat with "+target+" started.")
	started.TargetUser = target
	requested := wire.Notice(wire.CodeChatRequested, initiator+" started a private chat with you.")
	requested.FromUser = initiator
	h.send(from.client, started)
	h.send(to.client, requested)
	return link, nil
}

// Linked reports whether a and b have a private chat link.
func (h *Hub) Linked(a, b string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.chats[NewChatKey(a, b)]
	return ok
}

// ChatCount returns the number of private chat links.
func (h *Hub) ChatCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats)
}
