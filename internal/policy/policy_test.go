package policy

import (
	"context"
	"testing"

	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/ferr"
)

type fakeResolver struct {
	fail map[string]bool
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.fail[host] {
		return nil, ferr.New(ferr.KindTransientNetwork, "nxdomain")
	}
	return []string{"203.0.113.1"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Hostname:          "orbit.example",
		Scheme:            "https",
		FederationEnabled: true,
		AllowedInstances:  nil,
		BlockedInstances:  []string{"blocked.example"},
	}
}

func TestCheckRejectsWrongScheme(t *testing.T) {
	p := New(testConfig()).WithResolver(fakeResolver{})
	err := p.Check(context.Background(), "http://remote.example/u/alice")
	if !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected, got %v", err)
	}
}

func TestCheckRejectsBareIP(t *testing.T) {
	p := New(testConfig()).WithResolver(fakeResolver{})
	err := p.Check(context.Background(), "https://203.0.113.5/u/alice")
	if !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected for bare IP, got %v", err)
	}
}

func TestCheckRejectsLocalhost(t *testing.T) {
	p := New(testConfig()).WithResolver(fakeResolver{})
	err := p.Check(context.Background(), "https://localhost/u/alice")
	if !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected for localhost, got %v", err)
	}
}

func TestCheckRejectsBlockedApex(t *testing.T) {
	p := New(testConfig()).WithResolver(fakeResolver{})
	err := p.Check(context.Background(), "https://sub.blocked.example/u/alice")
	if !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected for blocked apex, got %v", err)
	}
}

func TestCheckAllowListExceptsLocalHost(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedInstances = []string{"friend.example"}
	p := New(cfg).WithResolver(fakeResolver{})

	if err := p.Check(context.Background(), "https://orbit.example/u/alice"); err != nil {
		t.Fatalf("local host should pass despite allow-list: %v", err)
	}
	if err := p.Check(context.Background(), "https://evil.example/u/bob"); !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected for non-allow-listed host, got %v", err)
	}
	if err := p.Check(context.Background(), "https://friend.example/u/carol"); err != nil {
		t.Fatalf("allow-listed host should pass: %v", err)
	}
}

func TestCheckFederationDisabledOnlyAllowsLocal(t *testing.T) {
	cfg := testConfig()
	cfg.FederationEnabled = false
	p := New(cfg).WithResolver(fakeResolver{})

	if err := p.Check(context.Background(), "https://orbit.example/u/alice"); err != nil {
		t.Fatalf("local host should pass with federation disabled: %v", err)
	}
	if err := p.Check(context.Background(), "https://remote.example/u/bob"); !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected with federation disabled, got %v", err)
	}
}

func TestCheckUnresolvableHostRejected(t *testing.T) {
	p := New(testConfig()).WithResolver(fakeResolver{fail: map[string]bool{"ghost.example": true}})
	err := p.Check(context.Background(), "https://ghost.example/u/alice")
	if !ferr.Is(err, ferr.KindPolicyRejected) {
		t.Fatalf("expected KindPolicyRejected for unresolvable host, got %v", err)
	}
}

func TestIsLocal(t *testing.T) {
	p := New(testConfig())
	if !p.IsLocal("https://orbit.example/u/alice") {
		t.Error("expected local host to be recognized as local")
	}
	if p.IsLocal("https://remote.example/u/alice") {
		t.Error("expected remote host to not be local")
	}
}

func TestApex(t *testing.T) {
	if got := Apex("sub.example.com"); got != "example.com" {
		t.Errorf("Apex(sub.example.com) = %q, want %q", got, "example.com")
	}
}
