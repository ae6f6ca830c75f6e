package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Tyrowin/privchat/internal/server")

// Outcome is what Route did with a message.
type Outcome string

// Route outcomes.
const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeQueued        Outcome = "queued"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeInvalidTarget Outcome = "invalid_target"
	OutcomeNoChat        Outcome = "no_chat"
	OutcomeStoreFailed   Outcome = "store_failed"
)

// Router decides between live delivery and the mailbox, and hands queued
// messages back to their owner when the owner comes online.
type Router struct {
	hub          *Hub
	mailbox      Mailbox
	policy       RoutingPolicy
	drainTimeout time.Duration
	log          *zap.Logger
	metrics      *Metrics

	// draining holds users with a drain in flight; true means another
	// online transition arrived meanwhile and the drain must run again.
	mu       sync.Mutex
	draining map[string]bool
}

// NewRouter creates a router and hooks it to the hub's online transitions.
func NewRouter(hub *Hub, mailbox Mailbox, policy RoutingPolicy, drainTimeout time.Duration, log *zap.Logger, metrics *Metrics) *Router {
	r := &Router{
		hub:          hub,
		mailbox:      mailbox,
		policy:       policy,
		drainTimeout: drainTimeout,
		log:          log,
		metrics:      metrics,
		draining:     make(map[string]bool),
	}
	hub.OnOnline(r.drainPending)
	return r
}

// Route sends body from sender to target. Online targets get the message on
// their connection right away; offline ones get it queued in the mailbox as
// "<sender>: <body>". The sender is always told the outcome with a notice.
func (r *Router) Route(ctx context.Context, sender *Session, target, body string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "router.route", trace.WithAttributes(
		attribute.String("chat.from", sender.Username),
		attribute.String("chat.to", target),
	))
	defer span.End()

	outcome, err := r.route(ctx, sender, target, body)
	span.SetAttributes(attribute.String("chat.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		if outcome == OutcomeStoreFailed {
			span.SetStatus(codes.Error, "mailbox store failed")
		}
	}
	r.metrics.routed.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (r *Router) route(ctx context.Context, sender *Session, target, body string) (Outcome, error) {
	from := sender.client
	c, online, ok := r.hub.lookup(target)
	if !ok {
		r.hub.send(from, wire.Notice(wire.CodeNotFound, "User "+target+" not found."))
		return OutcomeNotFound, ErrTargetNotFound
	}
	if target == sender.Username {
		r.hub.send(from, wire.Notice(wire.CodeInvalidTarget, "You cannot send a private message to yourself."))
		return OutcomeInvalidTarget, ErrSelfChat
	}
	if r.policy == PolicyLinked && !r.hub.Linked(sender.Username, target) {
		r.hub.send(from, wire.Notice(wire.CodeNoChat, "Start a private chat with "+target+" first."))
		return OutcomeNoChat, ErrNoChat
	}

	if online {
		msg := wire.Direct(sender.Username, body)
		msg.TargetUser = target
		if !r.hub.send(c, msg) {
			r.log.Warn("Live delivery failed",
				zap.String("from", sender.Username), zap.String("to", target))
		}
		ack := wire.Notice(wire.CodeDelivered, "Delivered to "+target+".")
		ack.TargetUser = target
		r.hub.send(from, ack)
		return OutcomeDelivered, nil
	}

	start := time.Now()
	err := r.mailbox.Store(ctx, target, offlineBody(sender.Username, body))
	r.metrics.mailboxCall("store", start, err)
	if err != nil {
		r.log.Error("Failed to queue offline message",
			zap.String("from", sender.Username), zap.String("to", target), zap.Error(err))
		fail := wire.Notice(wire.CodeStoreFailed, "Could not queue your message for "+target+". Try again later.")
		fail.TargetUser = target
		r.hub.send(from, fail)
		return OutcomeStoreFailed, err
	}

	ack := wire.Notice(wire.CodeQueued, target+" is offline. Your message will be delivered when they come back.")
	ack.TargetUser = target
	r.hub.send(from, ack)

	// The target may have come online while the store was in flight, after
	// its own drain had already run.
	if r.hub.IsOnline(target) {
		r.hub.goTask(func() { r.drainPending(target) })
	}
	return OutcomeQueued, nil
}

// drainPending runs drains for username one at a time. A request that comes
// in while one is running makes it loop once more instead of racing it.
func (r *Router) drainPending(username string) {
	r.mu.Lock()
	if _, running := r.draining[username]; running {
		r.draining[username] = true
		r.mu.Unlock()
		return
	}
	r.draining[username] = false
	r.mu.Unlock()

	for {
		r.drain(username)

		r.mu.Lock()
		if !r.draining[username] {
			delete(r.draining, username)
			r.mu.Unlock()
			return
		}
		r.draining[username] = false
		r.mu.Unlock()
	}
}

func (r *Router) drain(username string) {
	if !r.hub.IsOnline(username) {
		return
	}

	ctx, cancel := context.WithTimeout(r.hub.Context(), r.drainTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "router.drain", trace.WithAttributes(attribute.String("chat.user", username)))
	defer span.End()

	start := time.Now()
	messages, err := r.mailbox.Drain(ctx, username)
	r.metrics.mailboxCall("drain", start, err)
	if err != nil {
		span.RecordError(err)
		r.log.Warn("Mailbox drain failed",
			zap.String("user", username), zap.Int("received", len(messages)), zap.Error(err))
	}
	span.SetAttributes(attribute.Int("chat.messages", len(messages)))
	if len(messages) == 0 {
		return
	}

	if c, online, ok := r.hub.lookup(username); ok && online && r.hub.send(c, wire.Batch(messages)) {
		r.metrics.drained.Add(float64(len(messages)))
		r.log.Info("Delivered queued messages", zap.String("user", username), zap.Int("count", len(messages)))
		return
	}

	r.restore(ctx, username, messages)
}

// restore puts drained messages back in their original order after the owner
// went away before they could be handed over.
func (r *Router) restore(ctx context.Context, username string, messages []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.drainTimeout)
	defer cancel()

	for i, msg := range messages {
		start := time.Now()
		err := r.mailbox.Store(ctx, username, msg)
		r.metrics.mailboxCall("store", start, err)
		if err != nil {
			r.log.Error("Failed to restore drained messages",
				zap.String("user", username), zap.Int("lost", len(messages)-i), zap.Error(err))
			return
		}
	}
	r.log.Info("Restored undelivered messages", zap.String("user", username), zap.Int("count", len(messages)))
}
