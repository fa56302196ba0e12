package activity

import (
	"encoding/json"
	"time"

	"github.com/klppl/orbit/internal/ferr"
	"github.com/klppl/orbit/internal/store"
)

// Emission is an activity the Receive step decided must be sent back out
// (e.g. Accept{Follow}), handed to the Delivery Queue by the Inbox
// Processor after APPLIED.
type Emission struct {
	ActorAPID string
	Payload   map[string]interface{}
	ToInbox   string // direct delivery target, if known
}

// Outcome is what Receive produces: whether the governing community is
// local (triggering the Announce Coordinator) and any activities to emit.
type Outcome struct {
	ShouldAnnounce bool
	CommunityAPID  string
	Emissions      []Emission
}

// Receive applies a verified activity to the Object Store (§4.6's APPLIED
// step). Writes happen inside one transaction per activity where the Object
// Store Gateway offers one (vote switch, moderation); cross-activity
// consistency is not attempted, matching §4.6.
func Receive(c *Context, e *Envelope) (*Outcome, error) {
	switch e.Type {
	case KindCreate:
		return receiveCreate(c, e)
	case KindUpdate:
		return receiveUpdate(c, e)
	case KindDelete:
		return receiveDelete(c, e)
	case KindUndo:
		return receiveUndo(c, e)
	case KindLike:
		return receiveVote(c, e, 1)
	case KindDislike:
		return receiveVote(c, e, -1)
	case KindFollow:
		return receiveFollow(c, e)
	case KindAccept:
		return receiveAccept(c, e)
	case KindReject:
		return receiveReject(c, e)
	case KindAdd:
		return receiveAddRemove(c, e, true)
	case KindRemove:
		return receiveAddRemove(c, e, false)
	case KindBlock:
		return receiveBlock(c, e)
	case KindFlag:
		return receiveFlag(c, e)
	case KindAnnounce:
		return receiveAnnounce(c, e)
	case KindMove:
		return receiveMove(c, e)
	}
	return nil, ferr.New(ferr.KindUnhandled, "no receive handler for "+string(e.Type))
}

func objectKindFromType(t string) store.ObjectKind {
	switch t {
	case "Page":
		return store.KindPost
	case "Note":
		return store.KindComment
	case "ChatMessage":
		return store.KindPrivateMessage
	default:
		return store.KindComment
	}
}

func receiveCreate(c *Context, e *Envelope) (*Outcome, error) {
	if e.Object == nil {
		return nil, ferr.New(ferr.KindParseError, "Create missing object")
	}
	objType, _ := e.Object["type"].(string)
	o := &store.Object{
		APID:        getStr(e.Object, "id"),
		Kind:        objectKindFromType(objType),
		CreatorAPID: e.ActorID,
		Content:     getStr(e.Object, "content"),
		Language:    languageOf(e.Object),
	}
	if o.Kind == store.KindPost {
		o.CommunityAPID = e.Audience
		o.CommentsEnabled = true
		if v, ok := e.Object["commentsEnabled"].(bool); ok {
			o.CommentsEnabled = v
		}
	} else if o.Kind == store.KindComment {
		o.PostAPID = getStr(e.Object, "inReplyTo")
		if parent := getStr(e.Object, "inReplyTo"); parent != "" {
			if parentObj, err := c.Store.ReadObjectByAPID(parent); err == nil && parentObj.Kind == store.KindComment {
				o.ParentAPID = parent
				o.PostAPID = parentObj.PostAPID
			}
		}
		o.CommunityAPID = e.Audience
	}
	// Idempotent: if this ap_id already exists, this is a no-op (§4.5 "ignore if already present").
	if _, err := c.Store.ReadObjectByAPID(o.APID); err == nil {
		return &Outcome{}, nil
	}
	if err := c.Store.UpsertObject(o); err != nil {
		return nil, err
	}
	return &Outcome{ShouldAnnounce: true, CommunityAPID: e.Audience}, nil
}

func languageOf(obj map[string]interface{}) string {
	if lang, ok := obj["language"].(map[string]interface{}); ok {
		return getStr(lang, "identifier")
	}
	return ""
}

func receiveUpdate(c *Context, e *Envelope) (*Outcome, error) {
	if e.Object == nil {
		return nil, ferr.New(ferr.KindParseError, "Update missing object")
	}
	fields := map[string]any{"updated_at": time.Now().UTC().Format(time.RFC3339Nano)}
	if content, ok := e.Object["content"].(string); ok {
		fields["content"] = content
	}
	if lang := languageOf(e.Object); lang != "" {
		fields["language"] = lang
	}
	if _, has := e.Object["featured"]; has {
		fields["featured_community"] = true
	}
	if ce, ok := e.Object["commentsEnabled"].(bool); ok {
		fields["comments_enabled"] = ce
	}
	apID := getStr(e.Object, "id")
	if apID == "" {
		apID = e.ObjectID
	}
	if err := c.Store.UpdateObjectFields(apID, fields); err != nil {
		return nil, err
	}
	return &Outcome{ShouldAnnounce: true, CommunityAPID: e.Audience}, nil
}

func receiveDelete(c *Context, e *Envelope) (*Outcome, error) {
	if err := c.Store.SetObjectDeleted(e.ObjectID, true); err != nil {
		return nil, err
	}
	return &Outcome{ShouldAnnounce: true, CommunityAPID: e.Audience}, nil
}

// undoTarget returns the object the activity wrapped by an Undo acted on
// (the voted post, the deleted object, the followed or banned actor), or ""
// when the wrapped activity is not embedded.
func undoTarget(e *Envelope) string {
	switch v := e.Object["object"].(type) {
	case string:
		return v
	case map[string]interface{}:
		return getStr(v, "id")
	}
	return ""
}

func receiveUndo(c *Context, e *Envelope) (*Outcome, error) {
	target := undoTarget(e)
	switch e.WrappedKind {
	case KindDelete:
		if err := c.Store.SetObjectDeleted(target, false); err != nil {
			return nil, err
		}
	case KindLike:
		if err := c.Store.ApplyLike(e.ActorID, target, 0); err != nil {
			return nil, err
		}
	case KindDislike:
		if err := c.Store.ApplyLike(e.ActorID, target, 0); err != nil {
			return nil, err
		}
	case KindFollow:
		if err := c.Store.DeleteFollow(e.ActorID, target); err != nil {
			return nil, err
		}
	case KindBlock:
		// Unban: handled by the same ApplyModeration path as Block, inverse action.
		if err := c.Store.ApplyModeration(&store.ModAction{
			ModAPID: e.ActorID, TargetKind: "user", TargetAPID: target,
			Action: "unban", Reason: "",
		}); err != nil {
			return nil, err
		}
	}
	return &Outcome{ShouldAnnounce: true, CommunityAPID: e.Audience}, nil
}

// receiveVote implements the vote switch of §3/§8: remove any existing
// like by actor on object, then insert the new one. ApplyLike already does
// exactly this atomically.
func receiveVote(c *Context, e *Envelope, score int) (*Outcome, error) {
	if err := c.Store.ApplyLike(e.ActorID, e.ObjectID, score); err != nil {
		return nil, err
	}
	// Votes never fan out publicly (§12 item 4): no Announce.
	return &Outcome{}, nil
}

func receiveFollow(c *Context, e *Envelope) (*Outcome, error) {
	target, err := c.Store.ReadActorByAPID(e.ObjectID)
	if err != nil {
		return nil, err
	}
	state := store.FollowPending
	if target.IsLocal() {
		state = store.FollowAccepted
	}
	if err := c.Store.ApplyFollow(e.ActorID, e.ObjectID, state); err != nil {
		return nil, err
	}
	out := &Outcome{}
	if target.IsLocal() {
		follow := map[string]interface{}{
			"id": e.ID, "type": string(e.Type), "actor": e.ActorID, "object": e.ObjectID,
		}
		accept := BuildAccept(c.NextID(), e.ObjectID, follow)
		out.Emissions = append(out.Emissions, Emission{ActorAPID: e.ObjectID, Payload: accept})
	}
	return out, nil
}

func receiveAccept(c *Context, e *Envelope) (*Outcome, error) {
	follower := followerOf(e)
	if err := c.Store.ApplyFollow(follower, e.ActorID, store.FollowAccepted); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func receiveReject(c *Context, e *Envelope) (*Outcome, error) {
	follower := followerOf(e)
	if err := c.Store.DeleteFollow(follower, e.ActorID); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func receiveAddRemove(c *Context, e *Envelope, add bool) (*Outcome, error) {
	community, err := c.Store.ReadActorByAPID(e.Audience)
	if err != nil {
		return nil, err
	}
	action := "remove_mod"
	if e.TargetID == community.FeaturedURL {
		action = "unfeature"
	}
	if add {
		action = "add_mod"
		if e.TargetID == community.FeaturedURL {
			action = "feature"
		}
	}
	if err := c.Store.ApplyModeration(&store.ModAction{
		ModAPID: e.ActorID, TargetKind: community.APID, TargetAPID: e.ObjectID, Action: action,
	}); err != nil {
		return nil, err
	}
	return &Outcome{ShouldAnnounce: true, CommunityAPID: e.Audience}, nil
}

func receiveBlock(c *Context, e *Envelope) (*Outcome, error) {
	if err := c.Store.ApplyModeration(&store.ModAction{
		ModAPID: e.ActorID, TargetKind: "user", TargetAPID: e.ObjectID, Action: "ban",
	}); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

// receiveFlag records a report (§12 item 6) against the Flag's audience
// community, or, when the Flag names none, the reported object's own
// community if the object is known locally. It only stores the report:
// no moderator or admin is resolved, and the report is not forwarded.
func receiveFlag(c *Context, e *Envelope) (*Outcome, error) {
	reason := ""
	if e.Object != nil {
		reason = getStr(e.Object, "content")
	}
	communityAPID := e.Audience
	if communityAPID == "" {
		if obj, err := c.Store.ReadObjectByAPID(e.ObjectID); err == nil {
			communityAPID = obj.CommunityAPID
		}
	}
	if err := c.Store.InsertReport(&store.Report{
		APID: e.ID, ReporterAPID: e.ActorID, ObjectAPID: e.ObjectID,
		CommunityAPID: communityAPID, Reason: reason,
	}); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

// receiveAnnounce unwraps the inner activity and recursively dispatches it
// through verify/receive, trusting it transitively because it arrived
// signed by the community host (§4.2).
func receiveAnnounce(c *Context, e *Envelope) (*Outcome, error) {
	if e.Object == nil {
		return nil, ferr.New(ferr.KindParseError, "Announce missing embedded activity")
	}
	inner, err := ParseEnvelope(mustMarshal(e.Object))
	if err != nil {
		return nil, err
	}
	if err := Verify(c, inner); err != nil {
		return nil, err
	}
	return Receive(c, inner)
}

// receiveMove implements §9's decision: annotate-only, no Follow-row
// rewriting (§9 open question 3 / DESIGN.md decision 3).
func receiveMove(c *Context, e *Envelope) (*Outcome, error) {
	target := e.TargetID
	if target == "" {
		target = getStr(e.Object, "id")
	}
	a, err := c.Store.ReadActorByAPID(e.ActorID)
	if err != nil {
		return nil, err
	}
	a.MovedTo = target
	if err := c.Store.UpsertActor(a); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

func getStr(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func mustMarshal(m map[string]interface{}) []byte {
	b, _ := json.Marshal(m)
	return b
}
