// Package store implements the Object Store Gateway (§4.3): the narrow
// persistence interface the federation core depends on for actors,
// objects, votes, follows, the activity dedup log, and outbound delivery
// records. The physical schema lives entirely behind this package.
package store

import "time"

// ActorKind distinguishes the three actor variants (§3).
type ActorKind string

const (
	ActorUser      ActorKind = "user"
	ActorCommunity ActorKind = "community"
	ActorSite      ActorKind = "site"
)

// InstanceState is the lifecycle state of a remote Instance (§3).
type InstanceState string

const (
	InstanceAlive InstanceState = "alive"
	InstanceDead  InstanceState = "dead"
)

// Instance is a remote (or the local) server participating in federation.
type Instance struct {
	Domain    string
	Software  string
	Version   string
	UpdatedAt time.Time
	State     InstanceState
}

// Actor is the polymorphic actor record (§3): User, Community, or Site.
// Fields not applicable to a given Kind are left zero-valued.
type Actor struct {
	APID             string
	Kind             ActorKind
	Name             string
	DisplayName      string
	InboxURL         string
	SharedInboxURL   string
	PublicKeyPEM     string
	PrivateKeyPEM    string // non-empty iff local
	InstanceDomain   string
	LastRefreshedAt  time.Time
	Bio              string
	Avatar           string
	Banner           string

	// Community-only fields.
	FollowersURL           string
	OutboxURL              string
	ModeratorsURL          string
	FeaturedURL            string
	Visibility             string // public | local-only | unlisted
	PostingRestrictedToMod bool

	// MovedTo records an annotate-only Move target (§9 open question 3):
	// non-empty once this actor has announced migration to a new ap_id.
	MovedTo string
}

func (a *Actor) IsLocal() bool { return a.PrivateKeyPEM != "" }

// ObjectKind distinguishes the polymorphic object types the Fetcher and
// Object Store exchange (§4.4).
type ObjectKind string

const (
	KindPost           ObjectKind = "post"
	KindComment        ObjectKind = "comment"
	KindPrivateMessage ObjectKind = "private_message"
	KindCommunity      ObjectKind = "community"
	KindUser           ObjectKind = "user"
	KindSite           ObjectKind = "site"
)

// Object is the polymorphic record for Post/Comment/PrivateMessage (§3).
type Object struct {
	APID              string
	Kind              ObjectKind
	CreatorAPID       string
	CommunityAPID     string // Post only
	PostAPID          string // Comment only
	ParentAPID        string // Comment only, optional
	Content           string
	Language          string
	Deleted           bool
	Removed           bool
	Locked            bool // Post only
	FeaturedCommunity bool // Post only
	CommentsEnabled   bool // Post only, inverse of Locked on the wire
	PublishedAt       time.Time
	UpdatedAt         time.Time
}

// Vote is a single (actor, object) score row (§3). A score of 0 never
// exists as a row; absence represents zero.
type Vote struct {
	ActorAPID  string
	ObjectAPID string
	Score      int // -1 or +1
}

// FollowState is the lifecycle state of a Follow relationship (§3).
type FollowState string

const (
	FollowPending  FollowState = "pending"
	FollowAccepted FollowState = "accepted"
)

// Follow is a (follower, target) relationship.
type Follow struct {
	FollowerAPID string
	TargetAPID   string
	State        FollowState
}

// ActivityDirection distinguishes sent vs. received activity log entries.
type ActivityDirection string

const (
	DirectionSent     ActivityDirection = "sent"
	DirectionReceived ActivityDirection = "received"
)

// ActivityLogEntry records an activity for dedup and audit (§3).
type ActivityLogEntry struct {
	APID      string
	Payload   string // raw JSON
	Direction ActivityDirection
	Sensitive bool
	CreatedAt time.Time
}

// DeliveryState is the lifecycle state of an outbound delivery record (§3).
type DeliveryState string

const (
	DeliveryQueued   DeliveryState = "queued"
	DeliveryInFlight DeliveryState = "in_flight"
	DeliveryDone     DeliveryState = "delivered"
	DeliveryDead     DeliveryState = "dead"
)

// DeliveryRecord is one (activity, target inbox) outbound delivery attempt
// sequence (§3).
type DeliveryRecord struct {
	ActivityAPID  string
	TargetInbox   string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	State         DeliveryState
}

// ModAction is a single moderation event, written atomically with the
// state change it records (§4.3's apply_moderation).
type ModAction struct {
	ModAPID    string
	TargetKind string // "post", "comment", "user", "community_ban"; for add_mod/remove_mod/feature/unfeature, the community's ap_id
	TargetAPID string
	Action     string // "remove", "restore", "ban", "unban", "add_mod", "remove_mod", "feature", "unfeature"
	Reason     string
	CreatedAt  time.Time
}

// Report is a Flag-activity-derived record (§4.5's Flag handling).
type Report struct {
	APID          string
	ReporterAPID  string
	ObjectAPID    string
	CommunityAPID string
	Reason        string
	CreatedAt     time.Time
	Resolved      bool
}

// Gateway is the capability interface the core depends on (§4.3). The
// persistence implementation (SQLStore, in sqlstore.go) is external to the
// rest of the federation core's logic.
type Gateway interface {
	// Actors
	ReadActorByAPID(apID string) (*Actor, error)
	UpsertActor(a *Actor) error
	ReadInstance(domain string) (*Instance, error)
	UpsertInstance(i *Instance) error
	MarkInstanceDead(domain string) error
	MarkInstanceAlive(domain string) error
	ListDeadInstances() ([]string, error)

	// Objects
	ReadObjectByAPID(apID string) (*Object, error)
	UpsertObject(o *Object) error
	SetObjectDeleted(apID string, deleted bool) error
	SetObjectRemoved(apID string, removed bool) error
	UpdateObjectFields(apID string, fields map[string]any) error

	// Activity log / dedup
	InsertActivity(e *ActivityLogEntry) (fresh bool, err error)
	ReadActivityPayload(apID string) (string, error)

	// Delivery
	RecordDeliveryResult(r *DeliveryRecord) error
	ListPendingDeliveries(now time.Time, limit int) ([]*DeliveryRecord, error)
	EnqueueDelivery(activityAPID, targetInbox string) error

	// Votes
	ApplyLike(actorAPID, objectAPID string, score int) error
	ReadVote(actorAPID, objectAPID string) (*Vote, error)

	// Follows
	ApplyFollow(followerAPID, targetAPID string, state FollowState) error
	ReadFollow(followerAPID, targetAPID string) (*Follow, error)
	DeleteFollow(followerAPID, targetAPID string) error
	ListFollowerInboxes(targetAPID string) ([]string, error)

	// Moderation
	ApplyModeration(m *ModAction) error
	ListModerators(communityAPID string) ([]string, error)
	ListAdmins(instanceDomain string) ([]string, error)

	// Reports
	InsertReport(r *Report) error

	Close() error
}
