// Package intent implements the Activity Intent Bus (§4.9): a
// many-producer, single-consumer queue of typed local actions, backed by a
// fixed-size buffered channel (Enqueue blocks while it is full). Producers (API handlers) enqueue an Intent; one long-lived
// consumer drains it, builds the corresponding activity, and forwards it
// to the Delivery Queue. This decouples a user's synchronous API call from
// the (possibly slow) signing/addressing work of federated emission.
package intent

import (
	"context"
	"log/slog"

	"github.com/klppl/orbit/internal/activity"
	"github.com/klppl/orbit/internal/store"
)

// Kind discriminates the intents a local actor can enqueue.
type Kind string

const (
	KindCreatePost    Kind = "create_post"
	KindCreateComment Kind = "create_comment"
	KindUpdateObject  Kind = "update_object"
	KindDeleteObject  Kind = "delete_object"
	KindVote          Kind = "vote"
	KindFollow        Kind = "follow"
	KindFollowReply   Kind = "follow_reply" // Accept or Reject
	KindModerate      Kind = "moderate"     // ban/unban/remove/restore/feature/add_mod/remove_mod
	KindFlag          Kind = "flag"
)

// Intent is one locally-originated action awaiting translation into a
// signed, addressed activity.
type Intent struct {
	Kind          Kind
	ActorAPID     string
	ObjectAPID    string
	CommunityAPID string
	TargetAPID    string // Vote/Follow/Moderate target, or Follow's followee
	Score         int    // Vote only
	Action        string // Moderate only: ban/unban/remove/restore/feature/unfeature/add_mod/remove_mod
	Reason        string
	Accept        bool // FollowReply only
	Content       string
	Language      string
	InReplyTo     string
}

// Builder turns an Intent into the outbound activity payload, unsigned
// (the Delivery Queue signs it) and addressed the way the rest of the Activity Model builds outbound
// activities (see internal/activity/outbound.go).
type Builder func(i Intent) (actorAPID string, payload map[string]interface{}, explicitTo []string, err error)

// Emitter is the subset of the Delivery Queue the bus forwards built
// activities to.
type Emitter interface {
	Enqueue(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error
}

// Bus is the process-wide Activity Intent Bus.
type Bus struct {
	ch      chan Intent
	build   Builder
	deliver Emitter
	done    chan struct{}
}

// New constructs a Bus whose buffer holds bufSize intents (4096 when
// bufSize <= 0). build converts
// intents into outbound payloads; deliver hands them to the Delivery Queue.
func New(bufSize int, build Builder, deliver Emitter) *Bus {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &Bus{
		ch:      make(chan Intent, bufSize),
		build:   build,
		deliver: deliver,
		done:    make(chan struct{}),
	}
}

// Enqueue submits an intent for asynchronous processing. Non-blocking as
// long as the buffer has room; a full buffer applies backpressure to the
// caller rather than dropping the intent silently.
func (b *Bus) Enqueue(ctx context.Context, i Intent) error {
	select {
	case b.ch <- i:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single long-lived consumer task (§4.9). It drains the bus
// until ctx is cancelled, then drains whatever remains buffered before
// returning, so a shutdown never silently discards a queued intent.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case i := <-b.ch:
			b.process(ctx, i)
		case <-ctx.Done():
			b.drainRemaining()
			return
		}
	}
}

func (b *Bus) drainRemaining() {
	for {
		select {
		case i := <-b.ch:
			// Use a background context: the caller's ctx is already done,
			// but in-buffer intents still deserve a best-effort emission.
			b.process(context.Background(), i)
		default:
			return
		}
	}
}

// Done reports when Run has fully exited (used by callers awaiting
// shutdown within the configured grace period).
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) process(ctx context.Context, i Intent) {
	actorAPID, payload, explicitTo, err := b.build(i)
	if err != nil {
		slog.Warn("intent bus: failed to build activity", "kind", i.Kind, "error", err)
		return
	}
	if payload == nil {
		// Some intents (e.g. a vote retraction that resolves to a no-op)
		// legitimately produce nothing to emit.
		return
	}
	if err := b.deliver.Enqueue(ctx, actorAPID, payload, explicitTo); err != nil {
		slog.Warn("intent bus: failed to enqueue activity for delivery", "kind", i.Kind, "error", err)
	}
}

// DefaultBuilder is the Builder grounded on internal/activity/outbound.go's
// per-kind constructors; callers needing bespoke ID minting or additional
// object-store reads can supply their own Builder instead. gw resolves a
// governing community's moderators_url/featured_url for add_mod/remove_mod
// (§12 item 5: `target` must name the collection, not the actor being
// added or removed).
func DefaultBuilder(nextID func() string, siteActorAPID string, gw store.Gateway) Builder {
	return func(i Intent) (string, map[string]interface{}, []string, error) {
		switch i.Kind {
		case KindVote:
			id := nextID()
			return i.ActorAPID, activity.BuildLike(id, i.ActorAPID, i.ObjectAPID, i.CommunityAPID, i.Score), nil, nil
		case KindFollow:
			id := nextID()
			return i.ActorAPID, activity.BuildFollow(id, i.ActorAPID, i.TargetAPID), nil, nil
		case KindFollowReply:
			id := nextID()
			kind := activity.KindReject
			if i.Accept {
				kind = activity.KindAccept
			}
			payload := map[string]interface{}{
				"id": id, "type": string(kind), "actor": i.ActorAPID,
				"object": map[string]interface{}{"type": string(activity.KindFollow), "actor": i.TargetAPID, "object": i.ActorAPID},
				"to": []string{i.TargetAPID},
			}
			return i.ActorAPID, payload, nil, nil
		case KindCreatePost, KindCreateComment:
			id := nextID()
			objType := "Page"
			if i.Kind == KindCreateComment {
				objType = "Note"
			}
			obj := map[string]interface{}{
				"id": i.ObjectAPID, "type": objType, "attributedTo": i.ActorAPID, "content": i.Content,
			}
			if i.Language != "" {
				obj["language"] = map[string]interface{}{"identifier": i.Language}
			}
			if i.InReplyTo != "" {
				obj["inReplyTo"] = i.InReplyTo
			}
			to, cc := activity.Addressees(activity.KindCreate, i.ActorAPID, i.CommunityAPID, nil)
			return i.ActorAPID, map[string]interface{}{
				"id": id, "type": string(activity.KindCreate), "actor": i.ActorAPID, "object": obj,
				"to": to, "cc": cc,
			}, nil, nil
		case KindUpdateObject:
			id := nextID()
			obj := map[string]interface{}{"id": i.ObjectAPID, "content": i.Content}
			to, cc := activity.Addressees(activity.KindUpdate, i.ActorAPID, i.CommunityAPID, nil)
			return i.ActorAPID, map[string]interface{}{
				"id": id, "type": string(activity.KindUpdate), "actor": i.ActorAPID, "object": obj,
				"to": to, "cc": cc,
			}, nil, nil
		case KindDeleteObject:
			id := nextID()
			to, cc := activity.Addressees(activity.KindDelete, i.ActorAPID, i.CommunityAPID, nil)
			return i.ActorAPID, map[string]interface{}{
				"id": id, "type": string(activity.KindDelete), "actor": i.ActorAPID, "object": i.ObjectAPID,
				"to": to, "cc": cc,
			}, nil, nil
		case KindModerate:
			id := nextID()
			actionKind := activity.KindBlock
			var payload map[string]interface{}
			switch i.Action {
			case "ban":
				payload = map[string]interface{}{
					"id": id, "type": string(actionKind), "actor": i.ActorAPID, "object": i.TargetAPID,
					"audience": i.CommunityAPID,
				}
			case "unban":
				payload = map[string]interface{}{
					"id": id, "type": string(activity.KindUndo), "actor": i.ActorAPID,
					"object": map[string]interface{}{"type": string(activity.KindBlock), "actor": i.ActorAPID, "object": i.TargetAPID},
					"audience": i.CommunityAPID,
				}
			case "add_mod":
				payload = map[string]interface{}{
					"id": id, "type": string(activity.KindAdd), "actor": i.ActorAPID, "object": i.TargetAPID,
					"target": moderatorsURL(gw, i.CommunityAPID), "audience": i.CommunityAPID,
				}
			case "remove_mod":
				payload = map[string]interface{}{
					"id": id, "type": string(activity.KindRemove), "actor": i.ActorAPID, "object": i.TargetAPID,
					"target": moderatorsURL(gw, i.CommunityAPID), "audience": i.CommunityAPID,
				}
			default: // remove/restore/feature/unfeature act on the object itself via Update
				payload = map[string]interface{}{
					"id": id, "type": string(activity.KindUpdate), "actor": i.ActorAPID,
					"object": map[string]interface{}{"id": i.ObjectAPID, i.Action: true},
					"audience": i.CommunityAPID,
				}
			}
			return i.ActorAPID, payload, nil, nil
		case KindFlag:
			id := nextID()
			payload := map[string]interface{}{
				"id": id, "type": string(activity.KindFlag), "actor": i.ActorAPID, "object": i.ObjectAPID,
				"audience": i.CommunityAPID, "content": i.Reason,
			}
			return i.ActorAPID, payload, nil, nil
		}
		return siteActorAPID, nil, nil, nil
	}
}

// moderatorsURL resolves a community's moderators_url collection so
// add_mod/remove_mod's `target` names the collection, matching what
// internal/activity's verifyModTarget checks on the receiving side. A
// lookup failure degrades to the community's ap_id rather than failing the
// build outright; the receiving peer's verifyModTarget will then reject it,
// which is preferable to silently mis-addressing the moderator's own actor.
func moderatorsURL(gw store.Gateway, communityAPID string) string {
	if gw == nil {
		return communityAPID
	}
	community, err := gw.ReadActorByAPID(communityAPID)
	if err != nil || community.ModeratorsURL == "" {
		return communityAPID
	}
	return community.ModeratorsURL
}
