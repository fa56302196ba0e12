// Package fetch implements the Fetcher (§4.4): dereferencing a remote ID
// into a typed object, applying ID Policy, freshness rules, a recursion
// counter, and GONE-tombstone handling.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klppl/orbit/internal/apmodel"
	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/ferr"
	"github.com/klppl/orbit/internal/policy"
	"github.com/klppl/orbit/internal/store"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type cacheEntry struct {
	obj     map[string]interface{}
	expires time.Time
}

// Fetcher dereferences remote ActivityPub objects, backed by a TTL cache
// and gated by the instance's ID Policy and local Object Store.
type Fetcher struct {
	cfg    *config.Config
	policy *policy.Policy
	gw     store.Gateway

	cache      sync.Map // url -> cacheEntry
	cacheTTL   time.Duration
	maxDepth   int
	stopSweep  chan struct{}
}

// New builds a Fetcher. Call Close to stop its background cache sweeper.
func New(cfg *config.Config, pol *policy.Policy, gw store.Gateway) *Fetcher {
	f := &Fetcher{
		cfg:       cfg,
		policy:    pol,
		gw:        gw,
		cacheTTL:  cfg.ObjectCacheTTL,
		maxDepth:  cfg.MaxRequestDepth,
		stopSweep: make(chan struct{}),
	}
	go f.sweepLoop()
	return f
}

func (f *Fetcher) Close() { close(f.stopSweep) }

func (f *Fetcher) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			f.cache.Range(func(k, v any) bool {
				if now.After(v.(cacheEntry).expires) {
					f.cache.Delete(k)
				}
				return true
			})
		case <-f.stopSweep:
			return
		}
	}
}

// Depth is an explicit per-request recursion counter (§5: "passed
// explicitly through the Fetcher call chain; not global").
type Depth struct {
	n   int
	max int
}

// NewDepth starts a fresh recursion counter for one inbound request.
func (f *Fetcher) NewDepth() *Depth { return &Depth{max: f.maxDepth} }

func (d *Depth) step() error {
	d.n++
	if d.n > d.max {
		return ferr.New(ferr.KindRecursionExceeded, "fetch recursion limit exceeded")
	}
	return nil
}

// RefreshInterval returns how long a cached copy of an object of the given
// kind remains fresh before requiring a refetch — §12 item 3: actors
// refresh periodically, immutable posts/comments never refetch once cached.
func RefreshInterval(cfg *config.Config, kind store.ObjectKind) time.Duration {
	switch kind {
	case store.KindUser, store.KindCommunity, store.KindSite:
		return cfg.ActorRefreshInterval
	default:
		return 0 // 0 means "never refetch": immutable once fetched
	}
}

// FetchRaw dereferences rawURL into its generic JSON map form, applying ID
// Policy, the local-only hard-fail rule (§12 item 2), and the recursion
// counter. It does not consult the Object Store cache — callers needing
// cache-aware freshness should use FetchActor.
func (f *Fetcher) FetchRaw(ctx context.Context, d *Depth, rawURL string) (map[string]interface{}, error) {
	if err := f.policy.Check(ctx, rawURL); err != nil {
		return nil, err
	}

	if f.policy.IsLocal(rawURL) {
		// §12 item 2: local host is read-only from the Object Store. A miss
		// is NotFound, never a fallthrough to self-directed HTTP.
		return nil, ferr.New(ferr.KindNotFound, "local object not found in store: "+rawURL)
	}

	if cached, ok := f.cache.Load(rawURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.obj, nil
		}
		f.cache.Delete(rawURL)
	}

	if err := d.step(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindTransientNetwork, "create request", err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "orbit/1.0 (+https://"+f.cfg.Hostname+")")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindTransientNetwork, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ferr.New(ferr.KindNotFound, "resource gone (410): "+rawURL)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, ferr.New(ferr.KindTransientNetwork, fmt.Sprintf("fetch %s: HTTP %d", rawURL, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ferr.New(ferr.KindParseError, fmt.Sprintf("fetch %s: HTTP %d", rawURL, resp.StatusCode))
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, ferr.Wrap(ferr.KindParseError, "decode response from "+rawURL, err)
	}

	// Prevent ID-spoof via redirect: the returned object's id must share
	// the requested URL's host.
	if id, _ := obj["id"].(string); id != "" {
		if hostOf(id) != hostOf(rawURL) {
			return nil, ferr.New(ferr.KindPolicyRejected, "returned object id host does not match requested host")
		}
	}

	f.cache.Store(rawURL, cacheEntry{obj: obj, expires: time.Now().Add(f.cacheTTL)})
	return obj, nil
}

// FetchActor dereferences and upserts a remote actor, respecting the
// actor refresh interval against the Object Store's cached copy.
func (f *Fetcher) FetchActor(ctx context.Context, d *Depth, apID string) (*store.Actor, error) {
	if f.policy.IsLocal(apID) {
		a, err := f.gw.ReadActorByAPID(apID)
		if err != nil {
			return nil, err
		}
		return a, nil
	}

	if cached, err := f.gw.ReadActorByAPID(apID); err == nil {
		if time.Since(cached.LastRefreshedAt) < RefreshInterval(f.cfg, store.ObjectKind(cached.Kind)) {
			return cached, nil
		}
	}

	raw, err := f.FetchRaw(ctx, d, apID)
	if err != nil {
		if ferr.Is(err, ferr.KindNotFound) {
			// Tombstone the cached copy, if any, then surface NotFound.
			_ = f.gw.UpsertActor(&store.Actor{APID: apID}) // best-effort; real tombstoning is actor-kind specific
		}
		return nil, err
	}
	if !apmodel.IsActorType(getString(raw, "type")) {
		return nil, ferr.New(ferr.KindParseError, "expected actor type at "+apID)
	}

	a := mapToActor(raw)
	a.LastRefreshedAt = time.Now().UTC()
	a.InstanceDomain = hostOf(apID)
	if err := f.gw.UpsertActor(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ResolveSigningKey is the key-fetch hook the Signature Engine uses to
// verify an inbound HTTP Signature: it fetches the actor owning keyID and
// returns its public key as PEM text together with the owner's ap_id.
func (f *Fetcher) ResolveSigningKey(ctx context.Context, keyID string) (pubPEM string, ownerAPID string, err error) {
	actorURL := strings.SplitN(keyID, "#", 2)[0]
	a, err := f.FetchActor(ctx, f.NewDepth(), actorURL)
	if err != nil {
		return "", "", err
	}
	if a.PublicKeyPEM == "" {
		return "", "", ferr.New(ferr.KindSignatureInvalid, "actor has no public key: "+actorURL)
	}
	return a.PublicKeyPEM, a.APID, nil
}

func hostOf(rawURL string) string {
	// Deliberately minimal: full parsing happens in policy.Check before
	// this is ever called on an untrusted URL.
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func mapToActor(m map[string]interface{}) *store.Actor {
	a := &store.Actor{
		APID:          getString(m, "id"),
		Name:          getString(m, "preferredUsername"),
		DisplayName:   getString(m, "name"),
		Bio:           getString(m, "summary"),
		InboxURL:      getString(m, "inbox"),
		OutboxURL:     getString(m, "outbox"),
		FollowersURL:  getString(m, "followers"),
		ModeratorsURL: getString(m, "moderators"),
		FeaturedURL:   getString(m, "featured"),
		Visibility:    "public",
	}
	switch getString(m, "type") {
	case "Group":
		a.Kind = store.ActorCommunity
	case "Application", "Service":
		a.Kind = store.ActorSite
	default:
		a.Kind = store.ActorUser
	}
	if pk, ok := m["publicKey"].(map[string]interface{}); ok {
		a.PublicKeyPEM = getString(pk, "publicKeyPem")
	}
	if ep, ok := m["endpoints"].(map[string]interface{}); ok {
		a.SharedInboxURL = getString(ep, "sharedInbox")
	}
	if restricted, ok := m["postingRestrictedToMods"].(bool); ok {
		a.PostingRestrictedToMod = restricted
	}
	return a
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// LogFetchFailure is a small helper so every call site logs consistently.
func LogFetchFailure(rawURL string, err error) {
	slog.Warn("fetch failed", "url", rawURL, "error", err)
}
