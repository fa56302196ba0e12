// Package apmodel defines the JSON-LD wire types shared by every other
// federation-core package: actors, the generic activity envelope,
// collections, and the discovery document shapes (WebFinger, NodeInfo).
package apmodel

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the standard JSON-LD @context for ActivityPub objects,
// extended with the vocabulary terms this project's object kinds need.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	map[string]interface{}{
		"sensitive":          "as:sensitive",
		"moderators":         "https://w3id.org/lemmy#moderators",
		"featured":           "https://w3id.org/lemmy#featured",
		"postingRestrictedToMods": "https://w3id.org/lemmy#postingRestrictedToMods",
		"language":           "https://w3id.org/lemmy#language",
		"PropertyValue":      "schema:PropertyValue",
		"schema":             "http://schema.org#",
		"value":              "schema:value",
	},
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}

// Actor represents an ActivityPub actor document: Person, Group (community),
// or Application (site). Which concrete ActorKind it represents is carried
// separately in the Object Store; this struct is only the wire shape.
type Actor struct {
	Context           interface{}  `json:"@context,omitempty"`
	ID                string       `json:"id"`
	Type              string       `json:"type"`
	PreferredUsername string       `json:"preferredUsername"`
	Name              string       `json:"name,omitempty"`
	Summary           string       `json:"summary,omitempty"`
	Inbox             string       `json:"inbox"`
	Outbox            string       `json:"outbox,omitempty"`
	Followers         string       `json:"followers,omitempty"`
	Following         string       `json:"following,omitempty"`
	Moderators        string       `json:"moderators,omitempty"`
	Featured          string       `json:"featured,omitempty"`
	PublicKey         *PublicKey   `json:"publicKey,omitempty"`
	Icon              *Image       `json:"icon,omitempty"`
	Image             *Image       `json:"image,omitempty"`
	URL               string       `json:"url,omitempty"`
	Endpoints         *Endpoints   `json:"endpoints,omitempty"`
	PostingRestrictedToMods bool   `json:"postingRestrictedToMods,omitempty"`
}

// PublicKey represents an RSA public key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image represents an ActivityPub Image object.
type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Endpoints holds the shared inbox and other per-actor endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ObjectEnvelope is the wire shape for Page (post), Note (comment), and
// ChatMessage (private message) objects — the three object kinds a Create
// or Update activity can carry, per §4.5.
type ObjectEnvelope struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Name         string        `json:"name,omitempty"` // Page title
	Content      string        `json:"content,omitempty"`
	MediaType    string        `json:"mediaType,omitempty"`
	Published    string        `json:"published,omitempty"`
	Updated      string        `json:"updated,omitempty"`
	To           StringOrArray `json:"to,omitempty"`
	CC           StringOrArray `json:"cc,omitempty"`
	URL          string        `json:"url,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Audience     string        `json:"audience,omitempty"` // the governing community, for Page/Note
	Sensitive    bool          `json:"sensitive,omitempty"`
	Language     *LanguageTag  `json:"language,omitempty"`
	CommentsEnabled *bool      `json:"commentsEnabled,omitempty"` // Page: inverse of `locked`
}

// LanguageTag tags content with an IETF BCP-47 code.
type LanguageTag struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
}

// Activity is the generic outbound activity envelope (§6's required fields:
// id, type, actor, object, to and/or cc; optional target, audience, summary,
// published, updated).
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	Target    interface{} `json:"target,omitempty"`
	Audience  string      `json:"audience,omitempty"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	Published string      `json:"published,omitempty"`
	Updated   string      `json:"updated,omitempty"`
}

// IncomingActivity is used to parse an inbound activity where `object` and
// `target` may be a string reference or an embedded object, and where `type`
// must be probed before deciding which typed variant to decode into (§9,
// "dynamic typing of incoming JSON").
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	Target    json.RawMessage `json:"target,omitempty"`
	Audience  string          `json:"audience,omitempty"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Published string          `json:"published,omitempty"`
	Updated   string          `json:"updated,omitempty"`
}

// ObjectID returns the object field as a plain string reference, whether it
// was encoded as a bare string or as an embedded object with an "id" field.
func (a *IncomingActivity) ObjectID() string {
	return refID(a.Object)
}

// TargetID returns the target field as a plain string reference.
func (a *IncomingActivity) TargetID() string {
	return refID(a.Target)
}

func refID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// OrderedCollection is a (possibly unpaginated) AP collection, used for
// followers/following/moderators/outbox-root responses.
type OrderedCollection struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	First        string      `json:"first,omitempty"`
	OrderedItems interface{} `json:"orderedItems,omitempty"`
}

// OrderedCollectionPage is one page of an OrderedCollection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFingerResponse is the JRD document returned by /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo is the NodeInfo 2.1 document shape.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfYear int `json:"activeHalfYear"`
}

// IsActorType reports whether a JSON "type" value names an actor kind.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Group", "Application", "Service", "Organization":
		return true
	}
	return false
}
