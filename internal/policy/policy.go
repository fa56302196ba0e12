// Package policy implements the ID Policy (§4.1): the single predicate the
// rest of the federation core consults before trusting, dereferencing, or
// delivering to any URL.
package policy

import (
	"context"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/ferr"
)

// Resolver abstracts DNS resolution so tests can substitute a fake one
// instead of hitting the network.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// Policy decides whether a given URL is acceptable as an ActivityPub ID.
type Policy struct {
	cfg      *config.Config
	resolver Resolver
	localApex string
}

// New builds a Policy bound to the instance's configuration.
func New(cfg *config.Config) *Policy {
	apex, err := publicsuffix.EffectiveTLDPlusOne(cfg.Hostname)
	if err != nil {
		apex = cfg.Hostname
	}
	return &Policy{cfg: cfg, resolver: netResolver{}, localApex: apex}
}

// WithResolver overrides the DNS resolver, for tests.
func (p *Policy) WithResolver(r Resolver) *Policy {
	p.resolver = r
	return p
}

// Check applies the five ordered rules of §4.1 to rawURL and returns a
// *ferr.Error of kind KindPolicyRejected on the first rule that fails.
func (p *Policy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ferr.Wrap(ferr.KindParseError, "malformed URL", err)
	}
	if u.Host == "" {
		return ferr.New(ferr.KindPolicyRejected, "URL has no host")
	}

	host := u.Hostname()
	isLocal := strings.EqualFold(host, p.cfg.Hostname)

	// Rule 1: scheme must match the configured federation scheme.
	if u.Scheme != p.cfg.Scheme {
		return ferr.New(ferr.KindPolicyRejected, "scheme "+u.Scheme+" does not match configured federation scheme "+p.cfg.Scheme)
	}

	// Rule 2: host must be a resolvable DNS name; bare IPs and localhost rejected.
	if net.ParseIP(host) != nil {
		return ferr.New(ferr.KindPolicyRejected, "bare IP addresses are not valid federation hosts")
	}
	if strings.EqualFold(host, "localhost") {
		return ferr.New(ferr.KindPolicyRejected, "localhost is not a valid federation host")
	}
	if !isLocal {
		if _, err := p.resolver.LookupHost(ctx, host); err != nil {
			return ferr.Wrap(ferr.KindPolicyRejected, "host does not resolve", err)
		}
	}

	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		apex = host
	}

	// Rule 3: block-list.
	for _, blocked := range p.cfg.BlockedInstances {
		if strings.EqualFold(apex, blocked) {
			return ferr.New(ferr.KindPolicyRejected, "host "+apex+" is block-listed")
		}
	}

	// Rule 4: allow-list, with a local-host exception.
	if len(p.cfg.AllowedInstances) > 0 && !isLocal {
		allowed := false
		for _, a := range p.cfg.AllowedInstances {
			if strings.EqualFold(apex, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ferr.New(ferr.KindPolicyRejected, "host "+apex+" is not allow-listed")
		}
	}

	// Rule 5: federation disabled entirely ⇒ only the local host is permitted.
	if !p.cfg.FederationEnabled && !isLocal {
		return ferr.New(ferr.KindPolicyRejected, "federation is disabled; only local references are permitted")
	}

	return nil
}

// IsLocal reports whether rawURL's host is this instance's own hostname.
func (p *Policy) IsLocal(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), p.cfg.Hostname)
}

// Apex returns the apex (eTLD+1) domain for a host, or the host itself when
// it has none; it is the same reduction Check applies for allow/block-list
// matching.
func Apex(host string) string {
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return apex
}
