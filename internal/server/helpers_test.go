package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(Config{}, zap.NewNop(), NewMetrics("test"))
	go h.Run()
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
	})
	return h
}

// attachTestClient tracks a client that has no socket and no pumps; tests
// read what the hub queues for it straight from its send channel.
func attachTestClient(h *Hub, router *Router, addr string, cfg Config) *Client {
	c := NewClient(nil, h, router, addr, cfg, zap.NewNop())
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func registerTestClient(t *testing.T, h *Hub, router *Router, username string) *Client {
	t.Helper()
	c := attachTestClient(h, router, username+"-addr", Config{})
	_, err := h.Register(c, username)
	require.NoError(t, err)
	return c
}

// waitForEnvelope reads from c until an envelope matches, discarding the rest.
func waitForEnvelope(t *testing.T, c *Client, match func(wire.Envelope) bool) wire.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-c.GetSendChan():
			require.True(t, ok, "send channel closed before a matching envelope arrived")
			var env wire.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			require.Equal(t, wire.Version, env.V)
			if match(env) {
				return env
			}
		case <-timeout:
			t.Fatal("timed out waiting for envelope")
		}
	}
}

func waitForNotice(t *testing.T, c *Client, code wire.NoticeCode) wire.Envelope {
	t.Helper()
	return waitForEnvelope(t, c, func(env wire.Envelope) bool {
		return env.Kind == wire.KindNotice && env.Code == code
	})
}

func waitForKind(t *testing.T, c *Client, kind wire.Kind) wire.Envelope {
	t.Helper()
	return waitForEnvelope(t, c, func(env wire.Envelope) bool { return env.Kind == kind })
}

// drainQueued returns every envelope already queued for c without blocking.
func drainQueued(t *testing.T, c *Client) []wire.Envelope {
	t.Helper()
	var out []wire.Envelope
	for {
		select {
		case raw, ok := <-c.GetSendChan():
			if !ok {
				return out
			}
			var env wire.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}
