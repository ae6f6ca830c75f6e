package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/privchat/internal/mailbox"
	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockMailbox struct {
	mock.Mock
}

func (m *mockMailbox) Store(ctx context.Context, username, body string) error {
	args := m.Called(ctx, username, body)
	return args.Error(0)
}

func (m *mockMailbox) Drain(ctx context.Context, username string) ([]string, error) {
	args := m.Called(ctx, username)
	messages, _ := args.Get(0).([]string)
	return messages, args.Error(1)
}

// emptyDrains answers every drain with nothing queued.
func (m *mockMailbox) emptyDrains() *mockMailbox {
	m.On("Drain", mock.Anything, mock.Anything).Return([]string(nil), nil).Maybe()
	return m
}

func newTestRouter(t *testing.T, mb Mailbox, policy RoutingPolicy) (*Hub, *Router) {
	t.Helper()
	h := newTestHub(t)
	r := NewRouter(h, mb, policy, time.Second, zap.NewNop(), h.metrics)
	return h, r
}

func sessionOf(t *testing.T, h *Hub, username string) *Session {
	t.Helper()
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[username]
	require.True(t, ok, "no session for %s", username)
	return s
}

func TestRouteDeliversToOnlineTarget(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)
	alice := registerTestClient(t, h, r, "alice")
	bob := registerTestClient(t, h, r, "bob")

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	msg := waitForKind(t, bob, wire.KindSendMessage)
	assert.Equal(t, "alice", msg.FromUser)
	assert.Equal(t, "hi", msg.Text)
	ack := waitForNotice(t, alice, wire.CodeDelivered)
	assert.Equal(t, "bob", ack.TargetUser)

	mb.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.routed.WithLabelValues("delivered")))
}

func TestRouteToOnlineTargetWithFullBuffer(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)
	alice := registerTestClient(t, h, r, "alice")
	bob := registerTestClient(t, h, r, "bob")

fill:
	for {
		select {
		case bob.send <- []byte("{}"):
		default:
			break fill
		}
	}
	dropped := testutil.ToFloat64(h.metrics.dropped)

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)

	ack := waitForNotice(t, alice, wire.CodeDelivered)
	assert.Equal(t, "bob", ack.TargetUser)
	assert.Equal(t, dropped+1, testutil.ToFloat64(h.metrics.dropped))
	mb.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
	assert.True(t, h.IsOnline("bob"))
}

func TestRouteQueuesForOfflineTarget(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	mb.On("Store", mock.Anything, "bob", "alice: see you later").Return(nil).Once()
	h, r := newTestRouter(t, mb, PolicyDirect)
	alice := registerTestClient(t, h, r, "alice")
	bob := registerTestClient(t, h, r, "bob")
	require.NoError(t, h.SetStatus("bob", false))
	drainQueued(t, bob)

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "bob", "see you later")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	waitForNotice(t, alice, wire.CodeQueued)
	mb.AssertExpectations(t)
	for _, env := range drainQueued(t, bob) {
		assert.NotEqual(t, wire.KindSendMessage, env.Kind, "offline users get nothing live")
	}
}

func TestRouteToUnknownTarget(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)
	alice := registerTestClient(t, h, r, "alice")

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "carol", "hello?")
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, OutcomeNotFound, outcome)

	waitForNotice(t, alice, wire.CodeNotFound)
	mb.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
}

func TestRouteToSelf(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)
	alice := registerTestClient(t, h, r, "alice")

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "alice", "me")
	require.ErrorIs(t, err, ErrSelfChat)
	assert.Equal(t, OutcomeInvalidTarget, outcome)
	waitForNotice(t, alice, wire.CodeInvalidTarget)
}

func TestRouteReportsStoreFailure(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	mb.On("Store", mock.Anything, "bob", "alice: hi").Return(mailbox.ErrUnavailable)
	h, r := newTestRouter(t, mb, PolicyDirect)
	alice := registerTestClient(t, h, r, "alice")
	registerTestClient(t, h, r, "bob")
	require.NoError(t, h.SetStatus("bob", false))

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "bob", "hi")
	require.ErrorIs(t, err, mailbox.ErrUnavailable)
	assert.Equal(t, OutcomeStoreFailed, outcome)

	notice := waitForNotice(t, alice, wire.CodeStoreFailed)
	assert.Equal(t, "bob", notice.TargetUser)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.mailboxOps.WithLabelValues("store", "error")))
}

func TestRouteLinkedPolicy(t *testing.T) {
	mb := new(mockMailbox).emptyDrains()
	h, r := newTestRouter(t, mb, PolicyLinked)
	alice := registerTestClient(t, h, r, "alice")
	bob := registerTestClient(t, h, r, "bob")

	outcome, err := r.Route(context.Background(), sessionOf(t, h, "alice"), "bob", "hi")
	require.ErrorIs(t, err, ErrNoChat)
	assert.Equal(t, OutcomeNoChat, outcome)
	waitForNotice(t, alice, wire.CodeNoChat)

	_, err = h.StartChat("bob", "alice")
	require.NoError(t, err)

	outcome, err = r.Route(context.Background(), sessionOf(t, h, "alice"), "bob", "hi again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	msg := waitForKind(t, bob, wire.KindSendMessage)
	assert.Equal(t, "hi again", msg.Text)
}

func TestDrainOnRegistration(t *testing.T) {
	mb := new(mockMailbox)
	mb.On("Drain", mock.Anything, "bob").Return([]string{"alice: one", "alice: two"}, nil).Once()
	mb.emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)

	bob := registerTestClient(t, h, r, "bob")

	batch := waitForKind(t, bob, wire.KindMessageBatch)
	assert.Equal(t, []string{"alice: one", "alice: two"}, batch.Messages)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.drained) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDrainWhenComingBackOnline(t *testing.T) {
	mb := new(mockMailbox)
	mb.On("Drain", mock.Anything, "bob").Return([]string(nil), nil).Once()
	mb.On("Drain", mock.Anything, "bob").Return([]string{"alice: while you were away"}, nil).Once()
	mb.emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)

	bob := registerTestClient(t, h, r, "bob")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.mailboxOps.WithLabelValues("drain", "ok")) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.SetStatus("bob", false))
	require.NoError(t, h.SetStatus("bob", true))

	batch := waitForKind(t, bob, wire.KindMessageBatch)
	assert.Equal(t, []string{"alice: while you were away"}, batch.Messages)
}

func TestDrainRestoresMessagesWhenOwnerLeaves(t *testing.T) {
	mb := new(mockMailbox)
	h, r := newTestRouter(t, mb, PolicyDirect)

	var (
		mu       sync.Mutex
		restored []string
	)
	mb.On("Drain", mock.Anything, "bob").
		Run(func(mock.Arguments) {
			// bob goes offline while the drain is in flight
			assert.NoError(t, h.SetStatus("bob", false))
		}).
		Return([]string{"alice: one", "alice: two", "alice: three"}, nil).Once()
	mb.On("Store", mock.Anything, "bob", mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			restored = append(restored, args.String(2))
			mu.Unlock()
		}).
		Return(nil)

	bob := registerTestClient(t, h, r, "bob")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(restored) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"alice: one", "alice: two", "alice: three"}, restored)
	mu.Unlock()
	for _, env := range drainQueued(t, bob) {
		assert.NotEqual(t, wire.KindMessageBatch, env.Kind)
	}
}

func TestDrainFailureKeepsSessionUsable(t *testing.T) {
	mb := new(mockMailbox)
	mb.On("Drain", mock.Anything, "bob").Return([]string(nil), mailbox.ErrUnavailable)
	h, r := newTestRouter(t, mb, PolicyDirect)

	registerTestClient(t, h, r, "bob")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.mailboxOps.WithLabelValues("drain", "error")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, h.IsOnline("bob"))
}

func TestDrainHandsOverPartialResult(t *testing.T) {
	mb := new(mockMailbox)
	mb.On("Drain", mock.Anything, "bob").Return([]string{"alice: one"}, mailbox.ErrUnavailable).Once()
	mb.emptyDrains()
	h, r := newTestRouter(t, mb, PolicyDirect)

	bob := registerTestClient(t, h, r, "bob")

	batch := waitForKind(t, bob, wire.KindMessageBatch)
	assert.Equal(t, []string{"alice: one"}, batch.Messages)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.mailboxOps.WithLabelValues("drain", "error")))
}

func TestDrainRequestsAreSerializedPerUser(t *testing.T) {
	release := make(chan struct{})
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		calls    int
	)
	mb := new(mockMailbox)
	mb.On("Drain", mock.Anything, "bob").
		Run(func(mock.Arguments) {
			mu.Lock()
			inFlight++
			calls++
			maxSeen = max(maxSeen, inFlight)
			first := calls == 1
			mu.Unlock()
			if first {
				<-release
			}
			mu.Lock()
			inFlight--
			mu.Unlock()
		}).
		Return([]string(nil), nil)
	h, r := newTestRouter(t, mb, PolicyDirect)

	registerTestClient(t, h, r, "bob")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	// Several online transitions while the first drain is blocked collapse
	// into a single follow-up drain.
	for range 3 {
		require.NoError(t, h.SetStatus("bob", false))
		require.NoError(t, h.SetStatus("bob", true))
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2 && inFlight == 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 2, calls)
}
