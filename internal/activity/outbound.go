package activity

// Addressees computes the to/cc recipient list for an outbound activity of
// the given kind (§4.5's target_inboxes, at the actor/collection level —
// the Delivery Queue's addressing algorithm, §4.7, resolves these down to
// concrete inbox URLs and performs shared-inbox dedup).
func Addressees(kind Kind, actorAPID, communityAPID string, explicitTo []string) (to []string, cc []string) {
	switch kind {
	case KindLike, KindDislike:
		// §12 item 4: votes are addressed only to the governing community,
		// never to Public.
		if communityAPID != "" {
			cc = []string{communityAPID}
		}
		return nil, cc
	case KindFollow, KindAccept, KindReject:
		return explicitTo, nil
	case KindAnnounce:
		cc = []string{communityAPID + "/followers"}
		return []string{apmodelPublicURI}, cc
	default:
		if communityAPID != "" {
			cc = []string{communityAPID + "/followers"}
		}
		return []string{apmodelPublicURI}, cc
	}
}

// BuildLike constructs the wire payload for a Like/Dislike activity.
func BuildLike(id, actorAPID, objectAPID, communityAPID string, score int) map[string]interface{} {
	kind := KindLike
	if score < 0 {
		kind = KindDislike
	}
	to, cc := Addressees(kind, actorAPID, communityAPID, nil)
	return map[string]interface{}{
		"id": id, "type": string(kind), "actor": actorAPID, "object": objectAPID,
		"to": to, "cc": cc,
	}
}

// BuildFollow constructs the wire payload for a Follow activity.
func BuildFollow(id, actorAPID, targetAPID string) map[string]interface{} {
	return map[string]interface{}{
		"id": id, "type": string(KindFollow), "actor": actorAPID, "object": targetAPID,
		"to": []string{targetAPID},
	}
}

// BuildAccept constructs the wire payload for Accept{Follow}.
func BuildAccept(id, actorAPID string, follow map[string]interface{}) map[string]interface{} {
	followerAPID, _ := follow["actor"].(string)
	return map[string]interface{}{
		"id": id, "type": string(KindAccept), "actor": actorAPID, "object": follow,
		"to": []string{followerAPID},
	}
}

// BuildAnnounce wraps innerActivity in an Announce authored by community
// (§4.8 step 1).
func BuildAnnounce(id, communityAPID string, innerActivity map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id": id, "type": string(KindAnnounce), "actor": communityAPID, "object": innerActivity,
		"to": []string{apmodelPublicURI}, "cc": []string{communityAPID + "/followers"},
	}
}

// BuildAnnouncePage builds the Mastodon/Pleroma compatibility Announce of
// a bare Page, per §12 item 1: a second Announce whose object is the raw
// Page, not the Create wrapper, sent alongside the primary Announce.
func BuildAnnouncePage(id, communityAPID string, page map[string]interface{}) map[string]interface{} {
	return BuildAnnounce(id, communityAPID, page)
}

// ShouldDoubleAnnounce reports whether this Create should receive the
// §12 item 1 compatibility Announce (only top-level posts, not comments).
func ShouldDoubleAnnounce(innerKind Kind, objType string) bool {
	return innerKind == KindCreate && objType == "Page"
}
