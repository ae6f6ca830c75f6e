// Package testhelpers provides common utilities for end-to-end tests of the
// chat server: a real mailbox service, a running chat server, and WebSocket
// helpers that speak the envelope protocol.
package testhelpers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/privchat/internal/mailbox"
	"github.com/Tyrowin/privchat/internal/server"
	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestOrigin is the origin test clients present; test servers allow it.
const TestOrigin = "http://localhost:8080"

// Mailbox is a mailbox service running on a loopback port.
type Mailbox struct {
	Addr  string
	Store *mailbox.BadgerStore
}

// StartMailbox runs a mailbox service backed by Badger in a temporary
// directory. Everything is torn down when the test ends.
func StartMailbox(t *testing.T) *Mailbox {
	t.Helper()

	store, err := mailbox.OpenBadgerStore(t.TempDir(), time.Minute, zap.NewNop())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := mailbox.NewServer(mailbox.Config{IOTimeout: 2 * time.Second}, store, zap.NewNop())
	go func() {
		_ = srv.Serve(l)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = store.Close()
	})
	return &Mailbox{Addr: l.Addr().String(), Store: store}
}

// NewMailboxClient returns a client for addr with timeouts short enough for tests.
func NewMailboxClient(addr string) *mailbox.Client {
	return mailbox.NewClient(mailbox.ClientConfig{
		Addr:           addr,
		DialTimeout:    200 * time.Millisecond,
		IOTimeout:      time.Second,
		MaxAttempts:    3,
		MaxElapsed:     2 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, zap.NewNop())
}

// StartChatServer runs a chat server over httptest and shuts it down when
// the test ends.
func StartChatServer(t *testing.T, cfg server.Config, mb server.Mailbox) (*server.Server, *httptest.Server) {
	t.Helper()

	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = TestOrigin
	}
	srv := server.New(cfg, mb, zap.NewNop())
	srv.Start()
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

// WebSocketURL returns the /ws endpoint of an httptest server.
func WebSocketURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Dial connects to the chat server and closes the connection when the test ends.
func Dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(WebSocketURL(ts))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// SendEnvelope writes env as one WebSocket message.
func SendEnvelope(conn *websocket.Conn, env wire.Envelope) error {
	payload, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadEnvelope reads the next envelope from conn.
func ReadEnvelope(conn *websocket.Conn, timeout time.Duration) (wire.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Envelope{}, err
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Envelope{}, err
	}
	var env wire.Envelope
	err = json.Unmarshal(payload, &env)
	return env, err
}

// WaitForEnvelope reads from conn until an envelope matches, skipping the rest.
func WaitForEnvelope(t *testing.T, conn *websocket.Conn, match func(wire.Envelope) bool) wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "timed out waiting for envelope")
		env, err := ReadEnvelope(conn, remaining)
		require.NoError(t, err)
		if match(env) {
			return env
		}
	}
}

// WaitForNotice waits for a notice with the given code.
func WaitForNotice(t *testing.T, conn *websocket.Conn, code wire.NoticeCode) wire.Envelope {
	t.Helper()
	return WaitForEnvelope(t, conn, func(env wire.Envelope) bool {
		return env.Kind == wire.KindNotice && env.Code == code
	})
}

// WaitForKind waits for the next envelope of the given kind.
func WaitForKind(t *testing.T, conn *websocket.Conn, kind wire.Kind) wire.Envelope {
	t.Helper()
	return WaitForEnvelope(t, conn, func(env wire.Envelope) bool { return env.Kind == kind })
}

// WaitForUserList waits until a user list update equal to users arrives.
func WaitForUserList(t *testing.T, conn *websocket.Conn, users ...string) {
	t.Helper()
	WaitForEnvelope(t, conn, func(env wire.Envelope) bool {
		if env.Kind != wire.KindUserListUpdate || len(env.UserList) != len(users) {
			return false
		}
		for i := range users {
			if env.UserList[i] != users[i] {
				return false
			}
		}
		return true
	})
}

// Register sends a register envelope and waits for the confirmation.
func Register(t *testing.T, conn *websocket.Conn, username string) {
	t.Helper()
	require.NoError(t, SendEnvelope(conn, wire.Envelope{Kind: wire.KindRegister, Text: username}))
	WaitForNotice(t, conn, wire.CodeRegistered)
}

// SetStatus sends a status update and waits for the confirmation.
func SetStatus(t *testing.T, conn *websocket.Conn, online bool) {
	t.Helper()
	require.NoError(t, SendEnvelope(conn, wire.Envelope{Kind: wire.KindStatusUpdate, Status: &online}))
	WaitForNotice(t, conn, wire.CodeStatusChanged)
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}
