package activity

import (
	"testing"

	"github.com/klppl/orbit/internal/ferr"
)

func TestParseEnvelopeStringObject(t *testing.T) {
	body := []byte(`{
		"id": "https://remote.example/activities/1",
		"type": "Like",
		"actor": "https://remote.example/u/alice",
		"object": "https://orbit.example/post/1"
	}`)
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != KindLike {
		t.Errorf("Type = %q, want Like", env.Type)
	}
	if env.ObjectID != "https://orbit.example/post/1" {
		t.Errorf("ObjectID = %q", env.ObjectID)
	}
	if env.Object != nil {
		t.Error("Object should be nil for a bare string reference")
	}
}

func TestParseEnvelopeEmbeddedObject(t *testing.T) {
	body := []byte(`{
		"id": "https://remote.example/activities/2",
		"type": "Create",
		"actor": "https://remote.example/u/alice",
		"object": {"id": "https://remote.example/post/2", "type": "Page", "content": "hello"}
	}`)
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.ObjectID != "https://remote.example/post/2" {
		t.Errorf("ObjectID = %q", env.ObjectID)
	}
	if env.WrappedKind != Kind("Page") {
		t.Errorf("WrappedKind = %q, want Page", env.WrappedKind)
	}
	if env.Object == nil || env.Object["content"] != "hello" {
		t.Errorf("expected embedded object to carry content field, got %v", env.Object)
	}
}

func TestParseEnvelopeRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"missing id":    `{"type":"Like","actor":"https://remote.example/u/alice"}`,
		"missing type":  `{"id":"https://remote.example/activities/1","actor":"https://remote.example/u/alice"}`,
		"missing actor": `{"id":"https://remote.example/activities/1","type":"Like"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(body))
			if !ferr.Is(err, ferr.KindParseError) {
				t.Errorf("expected KindParseError, got %v", err)
			}
		})
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not json`))
	if !ferr.Is(err, ferr.KindParseError) {
		t.Errorf("expected KindParseError for malformed JSON, got %v", err)
	}
}

func TestRegistered(t *testing.T) {
	for _, k := range []Kind{KindCreate, KindLike, KindAnnounce, KindMove} {
		if !Registered(k) {
			t.Errorf("expected %s to be registered", k)
		}
	}
	if Registered(Kind("SomeFutureType")) {
		t.Error("unknown kind should not be registered")
	}
}

func TestAddressees(t *testing.T) {
	actor := "https://orbit.example/u/alice"
	community := "https://orbit.example/c/golang"

	to, cc := Addressees(KindLike, actor, community, nil)
	if to != nil {
		t.Errorf("Like should not address Public, got to=%v", to)
	}
	if len(cc) != 1 || cc[0] != community {
		t.Errorf("Like should cc the governing community, got %v", cc)
	}

	to, cc = Addressees(KindCreate, actor, community, nil)
	if len(to) != 1 || to[0] != apmodelPublicURI {
		t.Errorf("Create should address Public, got %v", to)
	}
	if len(cc) != 1 || cc[0] != community+"/followers" {
		t.Errorf("Create should cc the community's followers, got %v", cc)
	}

	explicit := []string{"https://remote.example/u/bob/inbox"}
	to, cc = Addressees(KindFollow, actor, community, explicit)
	if len(to) != 1 || to[0] != explicit[0] {
		t.Errorf("Follow should address explicitTo verbatim, got %v", to)
	}
	if cc != nil {
		t.Errorf("Follow should not cc anything, got %v", cc)
	}
}
