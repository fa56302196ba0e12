package intent

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/klppl/orbit/internal/store"
)

func sequentialID(t *testing.T) func() string {
	t.Helper()
	n := 0
	return func() string {
		n++
		return "https://orbit.example/activities/test-id-" + strconv.Itoa(n)
	}
}

// fakeModGateway embeds the nil store.Gateway interface and overrides only
// ReadActorByAPID, the single method DefaultBuilder's moderatorsURL uses.
type fakeModGateway struct {
	store.Gateway
	community *store.Actor
}

func (g *fakeModGateway) ReadActorByAPID(apID string) (*store.Actor, error) {
	if g.community != nil && apID == g.community.APID {
		return g.community, nil
	}
	return nil, errGatewayNotFound
}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

var errGatewayNotFound = &notFoundErr{}

func TestDefaultBuilderVote(t *testing.T) {
	build := DefaultBuilder(sequentialID(t), "https://orbit.example/site", nil)
	actor, payload, _, err := build(Intent{
		Kind: KindVote, ActorAPID: "https://orbit.example/u/alice",
		ObjectAPID: "https://orbit.example/post/1", CommunityAPID: "https://orbit.example/c/golang",
		Score: 1,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if actor != "https://orbit.example/u/alice" {
		t.Errorf("actor = %q", actor)
	}
	if payload["type"] != "Like" {
		t.Errorf("type = %v, want Like", payload["type"])
	}

	_, payload, _, err = build(Intent{
		Kind: KindVote, ActorAPID: "https://orbit.example/u/alice",
		ObjectAPID: "https://orbit.example/post/1", CommunityAPID: "https://orbit.example/c/golang",
		Score: -1,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload["type"] != "Dislike" {
		t.Errorf("type = %v, want Dislike", payload["type"])
	}
}

func TestDefaultBuilderFollowReply(t *testing.T) {
	build := DefaultBuilder(sequentialID(t), "https://orbit.example/site", nil)

	_, accept, _, err := build(Intent{
		Kind: KindFollowReply, ActorAPID: "https://orbit.example/c/golang",
		TargetAPID: "https://remote.example/u/bob", Accept: true,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if accept["type"] != "Accept" {
		t.Errorf("type = %v, want Accept", accept["type"])
	}

	_, reject, _, err := build(Intent{
		Kind: KindFollowReply, ActorAPID: "https://orbit.example/c/golang",
		TargetAPID: "https://remote.example/u/bob", Accept: false,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if reject["type"] != "Reject" {
		t.Errorf("type = %v, want Reject", reject["type"])
	}
}

func TestDefaultBuilderModerateAddModTargetsModeratorsCollection(t *testing.T) {
	gw := &fakeModGateway{community: &store.Actor{
		APID:          "https://orbit.example/c/golang",
		ModeratorsURL: "https://orbit.example/c/golang/moderators",
	}}
	build := DefaultBuilder(sequentialID(t), "https://orbit.example/site", gw)

	_, payload, _, err := build(Intent{
		Kind: KindModerate, ActorAPID: "https://orbit.example/u/mod",
		TargetAPID: "https://remote.example/u/newmod", CommunityAPID: "https://orbit.example/c/golang",
		Action: "add_mod",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload["type"] != "Add" {
		t.Errorf("type = %v, want Add", payload["type"])
	}
	if payload["target"] != "https://orbit.example/c/golang/moderators" {
		t.Errorf("target = %v, want the community's moderators_url, not the new moderator's actor URL", payload["target"])
	}
	if payload["object"] != "https://remote.example/u/newmod" {
		t.Errorf("object = %v, want the new moderator's actor URL", payload["object"])
	}

	_, remove, _, err := build(Intent{
		Kind: KindModerate, ActorAPID: "https://orbit.example/u/mod",
		TargetAPID: "https://remote.example/u/newmod", CommunityAPID: "https://orbit.example/c/golang",
		Action: "remove_mod",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if remove["target"] != "https://orbit.example/c/golang/moderators" {
		t.Errorf("target = %v, want the community's moderators_url", remove["target"])
	}
}

func TestDefaultBuilderModerateBan(t *testing.T) {
	build := DefaultBuilder(sequentialID(t), "https://orbit.example/site", nil)
	_, payload, _, err := build(Intent{
		Kind: KindModerate, ActorAPID: "https://orbit.example/u/mod",
		TargetAPID: "https://remote.example/u/troll", CommunityAPID: "https://orbit.example/c/golang",
		Action: "ban",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload["type"] != "Block" {
		t.Errorf("type = %v, want Block", payload["type"])
	}
	if payload["audience"] != "https://orbit.example/c/golang" {
		t.Errorf("audience = %v", payload["audience"])
	}
}

func TestDefaultBuilderUnknownKindReturnsNoPayload(t *testing.T) {
	build := DefaultBuilder(sequentialID(t), "https://orbit.example/site", nil)
	actor, payload, to, err := build(Intent{Kind: Kind("bogus")})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload != nil || to != nil {
		t.Errorf("expected nil payload/to for unrecognized kind, got payload=%v to=%v", payload, to)
	}
	if actor != "https://orbit.example/site" {
		t.Errorf("expected fallback to site actor, got %q", actor)
	}
}

func TestBusEnqueueAndProcess(t *testing.T) {
	delivered := make(chan string, 1)
	emitter := emitterFunc(func(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error {
		delivered <- actorAPID
		return nil
	})

	bus := New(4, DefaultBuilder(sequentialID(t), "https://orbit.example/site", nil), emitter)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)

	if err := bus.Enqueue(ctx, Intent{
		Kind: KindVote, ActorAPID: "https://orbit.example/u/alice",
		ObjectAPID: "https://orbit.example/post/1", Score: 1,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case actor := <-delivered:
		if actor != "https://orbit.example/u/alice" {
			t.Errorf("delivered actor = %q", actor)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for intent to be processed")
	}

	cancel()
	select {
	case <-bus.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus to drain and stop")
	}
}

type emitterFunc func(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error

func (f emitterFunc) Enqueue(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error {
	return f(ctx, actorAPID, payload, explicitTo)
}
