// Package fanout decides, per recipient, whether an event reaches a
// connection, and performs the delivery. Authorization is evaluated at
// emit time against the connections currently held by this instance;
// peer instances repeat the same decision for their own connections.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/event"
	"github.com/beewhoo/roomcast/internal/hub"
	"github.com/beewhoo/roomcast/internal/metrics"
	"github.com/beewhoo/roomcast/internal/store"
)

// Policy decides whether one recipient may see one event. Policies may
// perform asynchronous lookups; a slow or failing decision delays or
// suppresses delivery to that recipient only.
type Policy func(ctx context.Context, identity auth.Identity, ev event.Event) (bool, error)

// Filter is the optional global pre-check. Returning false drops the
// event silently.
type Filter func(ev event.Event) bool

// Transform is the optional global rewrite producing the payload actually
// sent.
type Transform func(ev event.Event) event.Event

// Publisher mirrors emitted events to peer instances. Satisfied by
// replica.Adapter.
type Publisher interface {
	PublishEvent(ev event.Event)
}

// Options configures an Engine.
type Options struct {
	// Policies maps collection name to decision function. A nil map means
	// no authorization layer at all: room membership is the
	// authorization. A non-nil map with no entry for a collection denies
	// all delivery for that collection's events (fail-closed).
	Policies  map[string]Policy
	Filter    Filter
	Transform Transform
	// Distributes reports whether a collection is eligible for
	// change-event distribution. Nil allows every collection.
	Distributes func(collection string) bool
	Publisher   Publisher
}

// Engine resolves an event's target room and fans it out to authorized
// local connections plus the all-events stream.
type Engine struct {
	hub     *hub.Hub
	store   store.Store
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// New creates an Engine.
func New(h *hub.Hub, st store.Store, opts Options, m *metrics.Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		hub:     h,
		store:   st,
		opts:    opts,
		logger:  logger.With().Str("component", "fanout").Logger(),
		metrics: m,
	}
}

// Emit distributes an event: global filter, global transform, replication
// to peers, then local delivery.
func (e *Engine) Emit(ctx context.Context, ev event.Event) {
	e.metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()

	if e.opts.Filter != nil && !e.opts.Filter(ev) {
		e.metrics.EventsDropped.Inc()
		return
	}
	if e.opts.Transform != nil {
		ev = e.opts.Transform(ev)
	}

	// Peers receive the transformed payload and re-run only the
	// per-recipient authorization pass against it.
	if e.opts.Publisher != nil {
		e.opts.Publisher.PublishEvent(ev)
	}

	e.deliverLocal(ctx, ev)
}

// HandleReplicated delivers an event received from a peer instance. The
// origin already applied the global filter and transform; this instance
// repeats the authorization and delivery decision for its own
// connections.
func (e *Engine) HandleReplicated(ev event.Event) {
	e.deliverLocal(context.Background(), ev)
}

func (e *Engine) deliverLocal(ctx context.Context, ev event.Event) {
	e.deliverAllEvents(ev)

	conns := e.hub.RoomConns(ev.Room)
	if len(conns) == 0 {
		return
	}

	payload, err := event.Wire(event.WireType(ev.Kind), ev)
	if err != nil {
		e.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Marshal event")
		return
	}

	// Authorization policies gate collection-scoped events only; for
	// project and identity rooms, membership itself is the
	// authorization.
	if ev.Scope == event.ScopeCollection && e.opts.Policies != nil {
		policy, ok := e.opts.Policies[ev.Collection]
		if !ok {
			// Fail-closed: a policy map without an entry for this
			// collection denies everyone.
			e.metrics.EventsDenied.Add(float64(len(conns)))
			return
		}
		for _, c := range conns {
			go e.deliverChecked(ctx, policy, c, ev, payload)
		}
		return
	}

	for _, c := range conns {
		e.send(c, payload)
	}
}

// deliverChecked runs one recipient's authorization decision and delivers
// on approval. Runs in its own goroutine so one slow lookup never blocks
// the other recipients. Consequence: two policy-gated events emitted back
// to back can reach the same recipient out of emission order when their
// decision latencies differ; only ungated delivery preserves emission
// order.
func (e *Engine) deliverChecked(ctx context.Context, policy Policy, c *hub.Conn, ev event.Event, payload []byte) {
	select {
	case <-c.Done():
		// Connection closed while the decision was pending; discard.
		return
	default:
	}

	allowed, err := policy(ctx, *c.Identity, ev)
	if err != nil {
		// Per-recipient authorization failures are silent: no event to
		// this recipient, and never an abort of fanout to others.
		e.logger.Debug().Err(err).
			Str("user", c.Identity.ID).
			Str("collection", ev.Collection).
			Msg("Authorization check failed")
		e.metrics.EventsDenied.Inc()
		return
	}
	if !allowed {
		e.metrics.EventsDenied.Inc()
		return
	}
	e.send(c, payload)
}

// deliverAllEvents pushes the event to connections subscribed to the
// all-events stream, regardless of room-targeted authorization.
func (e *Engine) deliverAllEvents(ev event.Event) {
	subs := e.hub.AllSubscribers()
	if len(subs) == 0 {
		return
	}
	payload, err := event.Wire(event.WireAllEvents, ev)
	if err != nil {
		return
	}
	for _, c := range subs {
		e.send(c, payload)
	}
}

func (e *Engine) send(c *hub.Conn, payload []byte) {
	if c.Send(payload) {
		e.metrics.EventsDelivered.Inc()
	} else {
		e.metrics.SendQueueOverflows.Inc()
	}
}

// ErrCollectionNotDistributed reports a change notification for a
// collection outside the configured distribution list.
var ErrCollectionNotDistributed = errors.New("collection not eligible for distribution")

// DocumentChanged is the trigger interface consumed from the surrounding
// system: a document of the given collection changed. Only update and
// delete operations are forwarded to collection-room subscribers; creates
// are deliberately not emitted, preserving the host's established
// emission rule (subscribers learn of new documents through the first
// update). The snapshot for updates is fetched here so recipients see the
// document as stored.
func (e *Engine) DocumentChanged(ctx context.Context, collection, docID string, op event.Kind, actor *auth.Identity) error {
	if e.opts.Distributes != nil && !e.opts.Distributes(collection) {
		return ErrCollectionNotDistributed
	}

	switch op {
	case event.KindCreated:
		return nil
	case event.KindUpdated:
		doc, err := e.store.FindByID(ctx, collection, docID)
		if err != nil {
			return fmt.Errorf("fetch %s/%s: %w", collection, docID, err)
		}
		e.Emit(ctx, event.DocumentChange(op, collection, docID, doc, actor))
	case event.KindDeleted:
		e.Emit(ctx, event.DocumentChange(op, collection, docID, nil, actor))
	default:
		return fmt.Errorf("unknown document operation %q", op)
	}
	return nil
}

// NotifyUser delivers a payload on the target user's identity room.
func (e *Engine) NotifyUser(ctx context.Context, userID string, actor *auth.Identity, data map[string]any) {
	e.Emit(ctx, event.UserNotification(userID, actor, data))
}
