// Package activity implements the Activity Model (§4.5): the tagged union
// of accepted activities, their envelope fields, and per-kind
// verify/receive/target_inboxes operations.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klppl/orbit/internal/apmodel"
	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/fetch"
	"github.com/klppl/orbit/internal/ferr"
	"github.com/klppl/orbit/internal/policy"
	"github.com/klppl/orbit/internal/sig"
	"github.com/klppl/orbit/internal/store"
)

// Kind is the tagged union discriminant for an activity (§4.5).
type Kind string

const (
	KindCreate   Kind = "Create"
	KindUpdate   Kind = "Update"
	KindDelete   Kind = "Delete"
	KindUndo     Kind = "Undo"
	KindLike     Kind = "Like"
	KindDislike  Kind = "Dislike"
	KindFollow   Kind = "Follow"
	KindAccept   Kind = "Accept"
	KindReject   Kind = "Reject"
	KindAdd      Kind = "Add"
	KindRemove   Kind = "Remove"
	KindBlock    Kind = "Block"
	KindFlag     Kind = "Flag"
	KindAnnounce Kind = "Announce"
	KindMove     Kind = "Move"
)

// Envelope is a parsed inbound activity, carrying both the raw wire fields
// and whatever the verify step resolves (governing community, object, etc).
type Envelope struct {
	Raw *apmodel.IncomingActivity

	ID       string
	Type     Kind
	ActorID  string
	ObjectID string
	TargetID string
	To       []string
	CC       []string
	Audience string

	// Populated as verify/receive proceed.
	Object   map[string]interface{} // the inner object, when embedded
	WrappedKind Kind                // for Announce/Undo: the inner activity's type
}

// ParseEnvelope probes "type" first, per §9's "dynamic typing of incoming
// JSON", then builds an Envelope. An unrecognized type is not fatal at this
// layer — the caller logs it for audit and the dispatch step returns
// KindUnhandled (HTTP 501).
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw apmodel.IncomingActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ferr.Wrap(ferr.KindParseError, "parse activity envelope", err)
	}
	if raw.ID == "" || raw.Type == "" || raw.Actor == "" {
		return nil, ferr.New(ferr.KindParseError, "activity missing id/type/actor")
	}
	e := &Envelope{
		Raw:      &raw,
		ID:       raw.ID,
		Type:     Kind(raw.Type),
		ActorID:  raw.Actor,
		ObjectID: raw.ObjectID(),
		TargetID: raw.TargetID(),
		To:       raw.To,
		CC:       raw.CC,
		Audience: raw.Audience,
	}
	if obj, ok := parseEmbeddedObject(raw.Object); ok {
		e.Object = obj
		if wt, _ := obj["type"].(string); wt != "" {
			e.WrappedKind = Kind(wt)
		}
	}
	return e, nil
}

func parseEmbeddedObject(raw json.RawMessage) (map[string]interface{}, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// Registered reports whether kind has a handler at all (§9: unknown type
// values are recorded for audit, but dispatch returns 501 for them).
func Registered(k Kind) bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindUndo, KindLike, KindDislike,
		KindFollow, KindAccept, KindReject, KindAdd, KindRemove, KindBlock,
		KindFlag, KindAnnounce, KindMove:
		return true
	}
	return false
}

// Context bundles everything a verify/receive implementation needs: the
// local configuration, ID Policy, Fetcher (for dereferencing related
// objects), Signature Engine, and Object Store Gateway. Passed explicitly
// rather than held as ambient state, matching §5's "no ambient singleton"
// guidance for process-wide services.
type Context struct {
	Ctx    context.Context
	Cfg    *config.Config
	Policy *policy.Policy
	Fetch  *fetch.Fetcher
	Sig    *sig.Engine
	Store  store.Gateway

	// VerifiedKeyOwnerHost is the host of the actor that owns the HTTP
	// signature key that authenticated this request (set by the Inbox
	// Processor after SIG_VERIFIED, consulted by Announce-unwrap trust).
	VerifiedKeyOwnerHost string

	Now time.Time

	// NextID mints an ap_id for activities Receive emits in reply (e.g.
	// Accept{Follow}), matching the Delivery/Intent layers' own ID minting.
	NextID func() string
}

// followerOf returns the follower actor's ap_id from an Accept/Reject{Follow}
// envelope. The follower appears only as the embedded Follow activity's
// actor (e.Object["actor"]); Accept/Reject carry no top-level target.
func followerOf(e *Envelope) string {
	if e.Object == nil {
		return ""
	}
	actor, _ := e.Object["actor"].(string)
	return actor
}
