// Package replica bridges the in-process registry across cooperating
// server instances through a shared NATS subject space, so a room's
// membership changes and emitted events are visible regardless of which
// instance a client is attached to.
//
// Known limit: a peer that crashes without publishing its leaves keeps
// its members in every mirror until something calls Mirror.DropOrigin
// for it. The adapter carries no liveness protocol of its own; hosts
// that need eviction of dead peers watch the broker's client
// disconnect events (or run their own heartbeat subject) and call
// DropOrigin with the gone instance id.
package replica

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/event"
	"github.com/beewhoo/roomcast/internal/metrics"
)

const (
	// Subject space shared by all instances. Room-scoped traffic carries
	// the room name in the payload rather than the subject because room
	// names contain NATS token separators (":" is fine, "." is not
	// guaranteed absent in ids).
	subjectEvents   = "roomcast.events"
	subjectPresence = "roomcast.presence"
)

// PresenceOp mirrors a membership change to peer instances.
type PresenceOp string

const (
	OpJoin  PresenceOp = "join"
	OpLeave PresenceOp = "leave"
	OpKick  PresenceOp = "kick"
)

// PresenceChange is a replicated membership notice. Delivery is
// at-least-once: consumers must tolerate duplicates and reordering.
type PresenceChange struct {
	Op       PresenceOp     `json:"op"`
	Room     string         `json:"room"`
	Identity *auth.Identity `json:"identity,omitempty"`
	UserID   string         `json:"userId"`
	Origin   string         `json:"origin"`
}

type eventEnvelope struct {
	Origin string      `json:"origin"`
	Event  event.Event `json:"event"`
}

// EventHandler receives events replicated from peer instances.
type EventHandler func(ev event.Event)

// PresenceHandler receives membership changes replicated from peers.
type PresenceHandler func(change PresenceChange)

// Adapter holds the two logical broker connections: one for publishing,
// one for subscribing. It considers itself ready only once both have
// acknowledged connectivity. A broker that is unreachable at startup is a
// warning, never a startup failure; the instance degrades to local-only
// fanout until the connection comes up.
type Adapter struct {
	instanceID string
	pub        *nats.Conn
	sub        *nats.Conn
	logger     zerolog.Logger
	metrics    *metrics.Registry
}

// Connect establishes both broker connections. The returned Adapter is
// usable even when the broker is down: publishes become no-ops and Ready
// reports false.
func Connect(url string, m *metrics.Registry, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		instanceID: uuid.NewString(),
		logger:     logger.With().Str("component", "replica").Logger(),
		metrics:    m,
	}

	if url == "" {
		a.logger.Info().Msg("No broker configured, cross-instance fanout disabled")
		return a
	}

	var err error
	a.pub, err = a.dial(url, "publish")
	if err == nil {
		a.sub, err = a.dial(url, "subscribe")
	}
	if err != nil {
		a.logger.Warn().Err(err).
			Str("url", url).
			Msg("Broker unreachable, running local-only until it recovers")
	}
	if a.Ready() {
		m.BrokerConnected.Set(1)
	}
	return a
}

func (a *Adapter) dial(url, role string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("roomcast-%s-%s", a.instanceID, role)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			a.metrics.BrokerConnected.Set(0)
			a.logger.Warn().Err(err).Str("role", role).Msg("Broker connection lost")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			a.metrics.BrokerReconnects.Inc()
			if a.Ready() {
				a.metrics.BrokerConnected.Set(1)
			}
			a.logger.Info().Str("role", role).Str("url", conn.ConnectedUrl()).Msg("Broker reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", role, err)
	}
	if !conn.IsConnected() {
		// RetryOnFailedConnect keeps dialing in the background; surface
		// the degraded start to the caller.
		return conn, fmt.Errorf("%s connection pending", role)
	}
	return conn, nil
}

// Ready reports whether both broker connections are up.
func (a *Adapter) Ready() bool {
	return a.pub != nil && a.pub.IsConnected() &&
		a.sub != nil && a.sub.IsConnected()
}

// Start registers the inbound handlers. Messages originating from this
// instance are skipped so local fanout never runs twice.
func (a *Adapter) Start(onEvent EventHandler, onPresence PresenceHandler) error {
	if a.sub == nil {
		return nil
	}

	_, err := a.sub.Subscribe(subjectEvents, func(msg *nats.Msg) {
		var env eventEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			a.logger.Error().Err(err).Msg("Bad replicated event payload")
			return
		}
		if env.Origin == a.instanceID {
			return
		}
		a.metrics.BrokerMessages.Inc()
		onEvent(env.Event)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subjectEvents, err)
	}

	_, err = a.sub.Subscribe(subjectPresence, func(msg *nats.Msg) {
		var change PresenceChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			a.logger.Error().Err(err).Msg("Bad replicated presence payload")
			return
		}
		if change.Origin == a.instanceID {
			return
		}
		a.metrics.BrokerMessages.Inc()
		onPresence(change)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subjectPresence, err)
	}

	a.logger.Info().Str("instance", a.instanceID).Msg("Replication started")
	return nil
}

// PublishEvent mirrors an emitted event to peer instances. A broker that
// is down makes this a silent no-op; local delivery already happened.
func (a *Adapter) PublishEvent(ev event.Event) {
	if a.pub == nil {
		return
	}
	data, err := json.Marshal(eventEnvelope{Origin: a.instanceID, Event: ev})
	if err != nil {
		a.logger.Error().Err(err).Msg("Marshal replicated event")
		return
	}
	if err := a.pub.Publish(subjectEvents, data); err != nil {
		a.logger.Warn().Err(err).Msg("Publish replicated event")
	}
}

// PublishPresence mirrors a membership change to peer instances.
func (a *Adapter) PublishPresence(op PresenceOp, room string, identity *auth.Identity) {
	if a.pub == nil {
		return
	}
	change := PresenceChange{
		Op:     op,
		Room:   room,
		UserID: identity.ID,
		Origin: a.instanceID,
	}
	if op == OpJoin {
		change.Identity = identity
	}
	data, err := json.Marshal(change)
	if err != nil {
		a.logger.Error().Err(err).Msg("Marshal presence change")
		return
	}
	if err := a.pub.Publish(subjectPresence, data); err != nil {
		a.logger.Warn().Err(err).Msg("Publish presence change")
	}
}

// InstanceID identifies this process in the replication channel.
func (a *Adapter) InstanceID() string {
	return a.instanceID
}

// Close drains and closes both broker connections.
func (a *Adapter) Close() {
	if a.sub != nil {
		a.sub.Close()
	}
	if a.pub != nil {
		a.pub.Close()
	}
	a.metrics.BrokerConnected.Set(0)
}
