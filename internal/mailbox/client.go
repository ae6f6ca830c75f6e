package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/Tyrowin/privchat/internal/mailbox"

// Client talks to the mailbox service, opening a dedicated connection for
// every call. Transport failures are retried with exponential backoff; a
// request the service refuses is not.
type Client struct {
	cfg    ClientConfig
	dialer net.Dialer
	log    *zap.Logger
}

// NewClient returns a client for the service at cfg.Addr.
func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
		log:    log,
	}
}

// Store appends body to user's mailbox. Every retry of one call reuses the
// same request ID so the service applies it once.
func (c *Client) Store(ctx context.Context, user, body string) error {
	_, err := c.call(ctx, wire.MailboxRequest{
		Op:        wire.OpStore,
		RequestID: uuid.NewString(),
		User:      user,
		Body:      body,
	})
	return err
}

// Drain hands over every pending message for user, oldest first. It fetches
// one frame-sized page at a time and acks each page before fetching the next,
// so a lost response never loses messages: fetches leave the mailbox as is
// and an ack can be repeated.
//
// When a later page fails, Drain returns the pages already acked together
// with the error; the rest stays queued. A page whose ack outcome is unknown
// is returned as well, which may deliver it twice but never drops it.
func (c *Client) Drain(ctx context.Context, user string) ([]string, error) {
	var messages []string
	for {
		page, err := c.call(ctx, wire.MailboxRequest{Op: wire.OpFetch, User: user, MaxBytes: c.cfg.MaxFrameSize})
		if err != nil {
			return messages, err
		}
		if len(page.Messages) == 0 {
			return messages, nil
		}

		_, err = c.call(ctx, wire.MailboxRequest{Op: wire.OpAck, User: user, Through: page.Through})
		if errors.Is(err, ErrRejected) {
			return messages, err
		}
		messages = append(messages, page.Messages...)
		if err != nil {
			return messages, err
		}
		if !page.More {
			return messages, nil
		}
	}
}

func (c *Client) call(ctx context.Context, req wire.MailboxRequest) (wire.MailboxResponse, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "mailbox."+string(req.Op))
	defer span.End()
	span.SetAttributes(attribute.String("mailbox.user", req.User))

	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return wire.MailboxResponse{}, err
	}

	attempt := 0
	operation := func() (wire.MailboxResponse, error) {
		attempt++
		resp, err := c.roundTrip(ctx, payload)
		if err != nil {
			return wire.MailboxResponse{}, err
		}
		if !resp.OK {
			return resp, backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, resp.Error))
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("Mailbox call failed, retrying",
				zap.String("op", string(req.Op)),
				zap.String("user", req.User),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	span.SetAttributes(attribute.Int("mailbox.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrRejected) {
			return wire.MailboxResponse{}, err
		}
		return wire.MailboxResponse{}, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, attempt, err)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, payload []byte) (wire.MailboxResponse, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return wire.MailboxResponse{}, err
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline := time.Now().Add(c.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return wire.MailboxResponse{}, err
	}

	if err := wire.WriteFrame(conn, payload); err != nil {
		return wire.MailboxResponse{}, fmt.Errorf("write request: %w", err)
	}
	data, err := wire.ReadFrame(conn, c.cfg.MaxFrameSize)
	if err != nil {
		return wire.MailboxResponse{}, fmt.Errorf("read response: %w", err)
	}
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		return wire.MailboxResponse{}, backoff.Permanent(err)
	}
	return resp, nil
}
