package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beewhoo/roomcast/internal/auth"
	"github.com/beewhoo/roomcast/internal/event"
	"github.com/beewhoo/roomcast/internal/hub"
	"github.com/beewhoo/roomcast/internal/metrics"
	"github.com/beewhoo/roomcast/internal/store"
)

type recordingPublisher struct {
	events []event.Event
}

func (r *recordingPublisher) PublishEvent(ev event.Event) {
	r.events = append(r.events, ev)
}

type rig struct {
	hub    *hub.Hub
	store  *store.Memory
	engine *Engine
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	m := metrics.New()
	h := hub.New(m)
	st := store.NewMemory()
	return &rig{
		hub:    h,
		store:  st,
		engine: New(h, st, opts, m, zerolog.Nop()),
	}
}

func (r *rig) subscriber(t *testing.T, userID, room string) *hub.Conn {
	t.Helper()
	c := hub.NewConn(&auth.Identity{ID: userID, Collection: "users"}, 32)
	r.hub.Register(c)
	r.hub.Join(c, room)
	return c
}

func recvWire(t *testing.T, c *hub.Conn) event.WireMessage {
	t.Helper()
	select {
	case payload := <-c.Outbox():
		var msg event.WireMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a delivery, got none")
		return event.WireMessage{}
	}
}

func assertSilent(t *testing.T, c *hub.Conn) {
	t.Helper()
	select {
	case payload := <-c.Outbox():
		t.Fatalf("unexpected delivery: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func postEvent(docID string, doc store.Doc) event.Event {
	return event.DocumentChange(event.KindUpdated, "posts", docID, doc, nil)
}

func TestNoPolicyMapDeliversToWholeRoom(t *testing.T) {
	r := newRig(t, Options{})
	a := r.subscriber(t, "u1", "collection:posts")
	b := r.subscriber(t, "u2", "collection:posts")
	outsider := r.subscriber(t, "u3", "collection:pages")

	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{"id": "d1"}))

	assert.Equal(t, event.WireDocumentEvent, recvWire(t, a).Type)
	assert.Equal(t, event.WireDocumentEvent, recvWire(t, b).Type)
	assertSilent(t, outsider)
}

func TestMissingPolicyEntryDeniesEveryone(t *testing.T) {
	// A non-empty policy map without an entry for this collection is
	// fail-closed.
	r := newRig(t, Options{
		Policies: map[string]Policy{
			"pages": func(context.Context, auth.Identity, event.Event) (bool, error) {
				return true, nil
			},
		},
	})
	c := r.subscriber(t, "u1", "collection:posts")

	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{"id": "d1"}))
	assertSilent(t, c)
}

func TestPolicyEvaluatedPerRecipient(t *testing.T) {
	// allow if the document is published or the recipient authored it
	policy := func(_ context.Context, identity auth.Identity, ev event.Event) (bool, error) {
		if ev.Doc.Str("status") == "published" {
			return true, nil
		}
		return identity.ID == ev.Doc.Str("author"), nil
	}
	r := newRig(t, Options{Policies: map[string]Policy{"posts": policy}})

	author := r.subscriber(t, "ann", "collection:posts")
	reader := r.subscriber(t, "rita", "collection:posts")

	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{
		"id": "d1", "status": "draft", "author": "ann",
	}))

	assert.Equal(t, event.WireDocumentEvent, recvWire(t, author).Type)
	assertSilent(t, reader)

	r.engine.Emit(context.Background(), postEvent("d2", store.Doc{
		"id": "d2", "status": "published", "author": "someone-else",
	}))
	assert.Equal(t, event.WireDocumentEvent, recvWire(t, author).Type)
	assert.Equal(t, event.WireDocumentEvent, recvWire(t, reader).Type)
}

func TestPolicyErrorIsSilentAndIsolated(t *testing.T) {
	policy := func(_ context.Context, identity auth.Identity, _ event.Event) (bool, error) {
		if identity.ID == "broken" {
			return false, errors.New("lookup failed")
		}
		return true, nil
	}
	r := newRig(t, Options{Policies: map[string]Policy{"posts": policy}})

	broken := r.subscriber(t, "broken", "collection:posts")
	healthy := r.subscriber(t, "healthy", "collection:posts")

	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{"id": "d1"}))

	assert.Equal(t, event.WireDocumentEvent, recvWire(t, healthy).Type)
	assertSilent(t, broken)
}

func TestPolicySkipsClosedConnections(t *testing.T) {
	policy := func(context.Context, auth.Identity, event.Event) (bool, error) {
		return true, nil
	}
	r := newRig(t, Options{Policies: map[string]Policy{"posts": policy}})

	gone := r.subscriber(t, "u1", "collection:posts")
	gone.Close()

	// Must not panic or deliver.
	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{"id": "d1"}))
	time.Sleep(50 * time.Millisecond)
}

func TestProjectEventsBypassCollectionPolicies(t *testing.T) {
	// Membership is the authorization for collaboration rooms even when
	// a policy map exists.
	r := newRig(t, Options{
		Policies: map[string]Policy{
			"posts": func(context.Context, auth.Identity, event.Event) (bool, error) {
				return false, nil
			},
		},
	})
	member := r.subscriber(t, "u1", "project:p1:room")

	r.engine.Emit(context.Background(), event.ProjectEvent(
		event.KindNewMessage, "p1", &auth.Identity{ID: "u2"}, map[string]any{"text": "hi"},
	))

	assert.Equal(t, event.WireNewMessage, recvWire(t, member).Type)
}

func TestGlobalFilterDropsSilently(t *testing.T) {
	pub := &recordingPublisher{}
	r := newRig(t, Options{
		Filter:    func(ev event.Event) bool { return ev.Collection != "secrets" },
		Publisher: pub,
	})
	c := r.subscriber(t, "u1", "collection:secrets")

	ev := event.DocumentChange(event.KindUpdated, "secrets", "d1", store.Doc{"id": "d1"}, nil)
	r.engine.Emit(context.Background(), ev)

	assertSilent(t, c)
	assert.Empty(t, pub.events, "filtered events are not replicated either")
}

func TestGlobalTransformRewritesPayload(t *testing.T) {
	pub := &recordingPublisher{}
	r := newRig(t, Options{
		Transform: func(ev event.Event) event.Event {
			if ev.Doc != nil {
				delete(ev.Doc, "secret")
			}
			return ev
		},
		Publisher: pub,
	})
	c := r.subscriber(t, "u1", "collection:posts")

	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{"id": "d1", "secret": "x"}))

	msg := recvWire(t, c)
	payload := msg.Data.(map[string]any)
	doc := payload["doc"].(map[string]any)
	_, leaked := doc["secret"]
	assert.False(t, leaked)

	// Peers receive the transformed payload.
	require.Len(t, pub.events, 1)
	_, leaked = pub.events[0].Doc["secret"]
	assert.False(t, leaked)
}

func TestAllEventsStreamReceivesEverything(t *testing.T) {
	r := newRig(t, Options{
		Policies: map[string]Policy{}, // deny-all for every collection
	})
	firehose := hub.NewConn(&auth.Identity{ID: "ops"}, 32)
	r.hub.Register(firehose)
	r.hub.SubscribeAll(firehose, true)

	r.engine.Emit(context.Background(), postEvent("d1", store.Doc{"id": "d1"}))

	msg := recvWire(t, firehose)
	assert.Equal(t, event.WireAllEvents, msg.Type)
}

func TestHandleReplicatedSkipsRepublish(t *testing.T) {
	pub := &recordingPublisher{}
	r := newRig(t, Options{Publisher: pub})
	c := r.subscriber(t, "u1", "collection:posts")

	r.engine.HandleReplicated(postEvent("d1", store.Doc{"id": "d1"}))

	assert.Equal(t, event.WireDocumentEvent, recvWire(t, c).Type)
	assert.Empty(t, pub.events, "replicated events must not loop back to the broker")
}

func TestDocumentChangedSkipsCreates(t *testing.T) {
	r := newRig(t, Options{})
	c := r.subscriber(t, "u1", "collection:posts")

	err := r.engine.DocumentChanged(context.Background(), "posts", "d1", event.KindCreated, nil)
	require.NoError(t, err)
	assertSilent(t, c)
}

func TestDocumentChangedUpdateFetchesSnapshot(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()
	_, err := r.store.Create(ctx, "posts", store.Doc{"id": "d1", "title": "hello"})
	require.NoError(t, err)

	c := r.subscriber(t, "u1", "collection:posts")

	require.NoError(t, r.engine.DocumentChanged(ctx, "posts", "d1", event.KindUpdated, nil))

	msg := recvWire(t, c)
	payload := msg.Data.(map[string]any)
	doc := payload["doc"].(map[string]any)
	assert.Equal(t, "hello", doc["title"])
}

func TestDocumentChangedUpdateMissingDoc(t *testing.T) {
	r := newRig(t, Options{})
	err := r.engine.DocumentChanged(context.Background(), "posts", "gone", event.KindUpdated, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDocumentChangedDeleteOmitsSnapshot(t *testing.T) {
	r := newRig(t, Options{})
	c := r.subscriber(t, "u1", "collection:posts")

	require.NoError(t, r.engine.DocumentChanged(context.Background(), "posts", "d1", event.KindDeleted, nil))

	msg := recvWire(t, c)
	payload := msg.Data.(map[string]any)
	_, hasDoc := payload["doc"]
	assert.False(t, hasDoc)
	assert.Equal(t, "d1", payload["docId"])
}

func TestDocumentChangedRespectsEligibleCollections(t *testing.T) {
	r := newRig(t, Options{
		Distributes: func(collection string) bool { return collection == "posts" },
	})
	c := r.subscriber(t, "u1", "collection:pages")

	err := r.engine.DocumentChanged(context.Background(), "pages", "d1", event.KindDeleted, nil)
	assert.ErrorIs(t, err, ErrCollectionNotDistributed)
	assertSilent(t, c)
}

func TestNotifyUserReachesIdentityRoom(t *testing.T) {
	r := newRig(t, Options{})
	c := r.subscriber(t, "u1", event.UserRoom("u1"))

	r.engine.NotifyUser(context.Background(), "u1", nil, map[string]any{"kind": "invite"})

	msg := recvWire(t, c)
	assert.Equal(t, event.WireNotification, msg.Type)
}
