package server

import (
	"testing"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, NewChatKey("alice", "bob"), NewChatKey("bob", "alice"))
	assert.Equal(t, ChatKey{Low: "alice", High: "bob"}, NewChatKey("bob", "alice"))
	assert.NotEqual(t, NewChatKey("alice", "bob"), NewChatKey("alice", "carol"))
}

func TestStartChatNotifiesBothParties(t *testing.T) {
	h := newTestHub(t)
	alice := registerTestClient(t, h, nil, "alice")
	bob := registerTestClient(t, h, nil, "bob")

	link, err := h.StartChat("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, NewChatKey("alice", "bob"), link.Key)
	assert.False(t, link.CreatedAt.IsZero())

	started := waitForNotice(t, alice, wire.CodeChatStarted)
	assert.Equal(t, "bob", started.TargetUser)
	requested := waitForNotice(t, bob, wire.CodeChatRequested)
	assert.Equal(t, "alice", requested.FromUser)

	assert.True(t, h.Linked("alice", "bob"))
	assert.True(t, h.Linked("bob", "alice"))
	assert.False(t, h.Linked("alice", "carol"))
}

func TestStartChatReusesExistingLink(t *testing.T) {
	h := newTestHub(t)
	registerTestClient(t, h, nil, "alice")
	registerTestClient(t, h, nil, "bob")

	first, err := h.StartChat("alice", "bob")
	require.NoError(t, err)
	second, err := h.StartChat("bob", "alice")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.ChatCount())
}

func TestStartChatWithUnknownTarget(t *testing.T) {
	h := newTestHub(t)
	alice := registerTestClient(t, h, nil, "alice")

	_, err := h.StartChat("alice", "carol")
	require.ErrorIs(t, err, ErrTargetNotFound)
	waitForNotice(t, alice, wire.CodeNotFound)
	assert.Zero(t, h.ChatCount())
}

func TestStartChatWithSelf(t *testing.T) {
	h := newTestHub(t)
	alice := registerTestClient(t, h, nil, "alice")

	_, err := h.StartChat("alice", "alice")
	require.ErrorIs(t, err, ErrSelfChat)
	waitForNotice(t, alice, wire.CodeInvalidTarget)
	assert.Zero(t, h.ChatCount())
}

func TestStartChatRequiresRegisteredInitiator(t *testing.T) {
	h := newTestHub(t)
	registerTestClient(t, h, nil, "bob")

	_, err := h.StartChat("ghost", "bob")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestLinksOutliveSessions(t *testing.T) {
	h := newTestHub(t)
	registerTestClient(t, h, nil, "alice")
	bob := registerTestClient(t, h, nil, "bob")

	_, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	h.Unregister(bob)
	assert.True(t, h.Linked("alice", "bob"))
}
