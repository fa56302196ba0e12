package announce

import (
	"context"
	"testing"
	"time"

	"github.com/klppl/orbit/internal/store"
)

// fakeGateway implements store.Gateway, returning a fixed set of actors;
// single-record reads this package's tests don't exercise return a
// not-found error, and writes succeed without storing anything.
type fakeGateway struct {
	actors map[string]*store.Actor
}

func (g *fakeGateway) ReadActorByAPID(apID string) (*store.Actor, error) {
	if a, ok := g.actors[apID]; ok {
		return a, nil
	}
	return nil, store_errNotFound
}

var store_errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

func (g *fakeGateway) UpsertActor(a *store.Actor) error                     { return nil }
func (g *fakeGateway) ReadInstance(domain string) (*store.Instance, error)  { return nil, store_errNotFound }
func (g *fakeGateway) UpsertInstance(i *store.Instance) error               { return nil }
func (g *fakeGateway) MarkInstanceDead(domain string) error                 { return nil }
func (g *fakeGateway) MarkInstanceAlive(domain string) error                { return nil }
func (g *fakeGateway) ListDeadInstances() ([]string, error)                 { return nil, nil }
func (g *fakeGateway) ReadObjectByAPID(apID string) (*store.Object, error)  { return nil, store_errNotFound }
func (g *fakeGateway) UpsertObject(o *store.Object) error                  { return nil }
func (g *fakeGateway) SetObjectDeleted(apID string, deleted bool) error    { return nil }
func (g *fakeGateway) SetObjectRemoved(apID string, removed bool) error    { return nil }
func (g *fakeGateway) UpdateObjectFields(apID string, fields map[string]any) error { return nil }
func (g *fakeGateway) InsertActivity(e *store.ActivityLogEntry) (bool, error) { return true, nil }
func (g *fakeGateway) ReadActivityPayload(apID string) (string, error)      { return "", store_errNotFound }
func (g *fakeGateway) RecordDeliveryResult(r *store.DeliveryRecord) error   { return nil }
func (g *fakeGateway) ListPendingDeliveries(now time.Time, limit int) ([]*store.DeliveryRecord, error) {
	return nil, nil
}
func (g *fakeGateway) EnqueueDelivery(activityAPID, targetInbox string) error { return nil }
func (g *fakeGateway) ApplyLike(actorAPID, objectAPID string, score int) error { return nil }
func (g *fakeGateway) ReadVote(actorAPID, objectAPID string) (*store.Vote, error) {
	return nil, store_errNotFound
}
func (g *fakeGateway) ApplyFollow(followerAPID, targetAPID string, state store.FollowState) error {
	return nil
}
func (g *fakeGateway) ReadFollow(followerAPID, targetAPID string) (*store.Follow, error) {
	return nil, store_errNotFound
}
func (g *fakeGateway) DeleteFollow(followerAPID, targetAPID string) error { return nil }
func (g *fakeGateway) ListFollowerInboxes(targetAPID string) ([]string, error) {
	return nil, nil
}
func (g *fakeGateway) ApplyModeration(m *store.ModAction) error           { return nil }
func (g *fakeGateway) ListModerators(communityAPID string) ([]string, error) { return nil, nil }
func (g *fakeGateway) ListAdmins(instanceDomain string) ([]string, error) { return nil, nil }
func (g *fakeGateway) InsertReport(r *store.Report) error                 { return nil }
func (g *fakeGateway) Close() error                                      { return nil }

type recordingEmitter struct {
	calls []map[string]interface{}
}

func (e *recordingEmitter) Enqueue(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error {
	e.calls = append(e.calls, payload)
	return nil
}

func TestAnnounceSkipsFollowAndAccept(t *testing.T) {
	emitter := &recordingEmitter{}
	c := &Coordinator{
		Store:   &fakeGateway{actors: map[string]*store.Actor{}},
		Deliver: emitter,
		NextID:  func() string { return "https://orbit.example/activities/x" },
	}
	for _, innerType := range []string{"Follow", "Accept", "Reject", "Announce"} {
		err := c.Announce(context.Background(), "https://orbit.example/c/golang", map[string]interface{}{
			"type": innerType,
		})
		if err != nil {
			t.Fatalf("Announce(%s): %v", innerType, err)
		}
	}
	if len(emitter.calls) != 0 {
		t.Errorf("expected no announces for Follow/Accept/Reject/Announce, got %d", len(emitter.calls))
	}
}

func TestAnnounceSkipsNonLocalCommunity(t *testing.T) {
	emitter := &recordingEmitter{}
	c := &Coordinator{
		Store: &fakeGateway{actors: map[string]*store.Actor{
			"https://orbit.example/c/golang": {APID: "https://orbit.example/c/golang"}, // no PrivateKeyPEM: remote
		}},
		Deliver: emitter,
		NextID:  func() string { return "https://orbit.example/activities/x" },
	}
	err := c.Announce(context.Background(), "https://orbit.example/c/golang", map[string]interface{}{
		"type": "Create",
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(emitter.calls) != 0 {
		t.Errorf("expected no announce dispatched for a non-local community, got %d", len(emitter.calls))
	}
}

func TestAnnounceWrapsAndDelivers(t *testing.T) {
	emitter := &recordingEmitter{}
	c := &Coordinator{
		Store: &fakeGateway{actors: map[string]*store.Actor{
			"https://orbit.example/c/golang": {
				APID: "https://orbit.example/c/golang", PrivateKeyPEM: "local-key",
			},
		}},
		Deliver: emitter,
		NextID:  func() string { return "https://orbit.example/activities/announce-1" },
	}
	err := c.Announce(context.Background(), "https://orbit.example/c/golang", map[string]interface{}{
		"id": "https://remote.example/activities/5", "type": "Like",
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(emitter.calls) != 1 {
		t.Fatalf("expected exactly one Announce dispatched, got %d", len(emitter.calls))
	}
	if emitter.calls[0]["type"] != "Announce" {
		t.Errorf("type = %v, want Announce", emitter.calls[0]["type"])
	}
}

func TestAnnounceDoubleAnnouncesCreatePage(t *testing.T) {
	emitter := &recordingEmitter{}
	c := &Coordinator{
		Store: &fakeGateway{actors: map[string]*store.Actor{
			"https://orbit.example/c/golang": {
				APID: "https://orbit.example/c/golang", PrivateKeyPEM: "local-key",
			},
		}},
		Deliver: emitter,
		NextID:  func() string { return "https://orbit.example/activities/announce-2" },
	}
	err := c.Announce(context.Background(), "https://orbit.example/c/golang", map[string]interface{}{
		"id": "https://orbit.example/activities/create-1", "type": "Create",
		"object": map[string]interface{}{"id": "https://orbit.example/post/1", "type": "Page"},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(emitter.calls) != 2 {
		t.Fatalf("expected Create{Page} to produce two announces (compat shim), got %d", len(emitter.calls))
	}
}
