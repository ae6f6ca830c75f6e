package server

import (
	"testing"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOnlineForUnknownUser(t *testing.T) {
	h := newTestHub(t)
	assert.False(t, h.IsOnline("nobody"))
	assert.ErrorIs(t, h.SetStatus("nobody", true), ErrNotRegistered)
}

func TestSetStatus(t *testing.T) {
	h := newTestHub(t)
	alice := registerTestClient(t, h, nil, "alice")
	assert.True(t, h.IsOnline("alice"), "registered users start online")

	require.NoError(t, h.SetStatus("alice", false))
	assert.False(t, h.IsOnline("alice"))
	notice := waitForNotice(t, alice, wire.CodeStatusChanged)
	assert.Contains(t, notice.Text, "offline")

	require.NoError(t, h.SetStatus("alice", true))
	assert.True(t, h.IsOnline("alice"))
	notice = waitForNotice(t, alice, wire.CodeStatusChanged)
	assert.Contains(t, notice.Text, "online")

	// Going offline keeps the username registered.
	require.NoError(t, h.SetStatus("alice", false))
	assert.Equal(t, []string{"alice"}, h.Usernames())
}

func TestOnOnlineHook(t *testing.T) {
	h := newTestHub(t)
	calls := make(chan string, 10)
	h.OnOnline(func(username string) { calls <- username })

	expectCall := func(want string) {
		t.Helper()
		select {
		case got := <-calls:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("OnOnline hook not called for %s", want)
		}
	}
	expectNoCall := func() {
		t.Helper()
		select {
		case got := <-calls:
			t.Fatalf("unexpected OnOnline call for %s", got)
		case <-time.After(50 * time.Millisecond):
		}
	}

	registerTestClient(t, h, nil, "alice")
	expectCall("alice")

	require.NoError(t, h.SetStatus("alice", true))
	expectNoCall()

	require.NoError(t, h.SetStatus("alice", false))
	expectNoCall()

	require.NoError(t, h.SetStatus("alice", true))
	expectCall("alice")
}

func TestUnregisterClearsPresence(t *testing.T) {
	h := newTestHub(t)
	alice := registerTestClient(t, h, nil, "alice")
	require.NoError(t, h.SetStatus("alice", false))

	h.Unregister(alice)
	assert.False(t, h.IsOnline("alice"))
	assert.ErrorIs(t, h.SetStatus("alice", true), ErrNotRegistered)
}
