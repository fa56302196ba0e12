// Package announce implements the Announce Coordinator (§4.8): when the
// Inbox Processor applies an activity whose governing community is local,
// the coordinator wraps it in a community-authored Announce and hands it
// to the Delivery Queue, making the community the authoritative fan-out
// point for its remote followers.
package announce

import (
	"context"

	"github.com/klppl/orbit/internal/activity"
	"github.com/klppl/orbit/internal/ferr"
	"github.com/klppl/orbit/internal/store"
)

// Emitter is the subset of the Delivery Queue the coordinator needs.
type Emitter interface {
	Enqueue(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error
}

// Coordinator builds and dispatches Announces on behalf of local communities.
type Coordinator struct {
	Store   store.Gateway
	Deliver Emitter

	// NextID mints an ap_id for a new outbound activity (e.g.
	// "https://<host>/activities/<uuid>"), supplied by the caller so the
	// coordinator stays agnostic of ID-generation policy.
	NextID func() string
}

// Announce wraps innerPayload (the raw JSON of the applied activity) in a
// community-authored Announce and enqueues it for delivery. Skips kinds
// that must never be re-announced (§4.8 step 2).
func (c *Coordinator) Announce(ctx context.Context, communityAPID string, innerPayload map[string]interface{}) error {
	innerType, _ := innerPayload["type"].(string)
	innerKind := activity.Kind(innerType)
	switch innerKind {
	case activity.KindAnnounce, activity.KindFollow, activity.KindAccept, activity.KindReject:
		return nil
	}

	community, err := c.Store.ReadActorByAPID(communityAPID)
	if err != nil {
		return ferr.Wrap(ferr.KindPolicyRejected, "announce: community not found", err)
	}
	if !community.IsLocal() {
		return nil
	}

	id := c.NextID()
	wrapped := activity.BuildAnnounce(id, communityAPID, innerPayload)
	if err := c.Deliver.Enqueue(ctx, communityAPID, wrapped, nil); err != nil {
		return err
	}

	// §12 item 1: Mastodon/Pleroma compatibility — some implementations
	// never parse Announce{Create{Page}}, only Announce{Page} directly.
	if activity.ShouldDoubleAnnounce(innerKind, objectType(innerPayload)) {
		innerObj, _ := innerPayload["object"].(map[string]interface{})
		if innerObj != nil {
			pageID := c.NextID()
			pageAnnounce := activity.BuildAnnouncePage(pageID, communityAPID, innerObj)
			if err := c.Deliver.Enqueue(ctx, communityAPID, pageAnnounce, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func objectType(payload map[string]interface{}) string {
	obj, ok := payload["object"].(map[string]interface{})
	if !ok {
		return ""
	}
	t, _ := obj["type"].(string)
	return t
}
