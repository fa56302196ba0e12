// Package delivery implements the Delivery Queue (§4.7): the outbound side
// of federation. Given an activity and a set of recipient actor/collection
// references, it expands them to concrete inbox URLs, deduplicates via
// shared inboxes, and delivers under a global in-flight cap and a per-host
// rate limit (DeliveryConcurrency requests per second, with a burst of the
// same size; the number of requests in flight to one host is not capped
// separately) with exponential backoff, declaring an inbox's host dead after
// too many consecutive failures.
package delivery

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klppl/orbit/internal/apmodel"
	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/fetch"
	"github.com/klppl/orbit/internal/ferr"
	"github.com/klppl/orbit/internal/sig"
	"github.com/klppl/orbit/internal/store"
	"golang.org/x/time/rate"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Queue is the Delivery Queue. It signs, addresses, and retries outbound
// activities, spooling overflow to the Object Store's delivery table.
type Queue struct {
	cfg   *config.Config
	store store.Gateway
	fetch *fetch.Fetcher
	sig   *sig.Engine

	actorKeys func(actorAPID string) (*rsa.PrivateKey, error)

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter // per-host admission smoothing
	deadHosts map[string]struct{}

	sem chan struct{} // global in-flight admission, size = GlobalDeliveryCap

	wg       sync.WaitGroup
	stopCh chan struct{}
}

// KeyResolver supplies the RSA private key to sign deliveries authored by
// actorAPID (a local user, community, or the site actor).
type KeyResolver func(actorAPID string) (*rsa.PrivateKey, error)

// New constructs a Delivery Queue. Call Start to launch its background
// retry-sweep and dead-instance rehabilitation loops.
func New(cfg *config.Config, gw store.Gateway, f *fetch.Fetcher, engine *sig.Engine, keys KeyResolver) *Queue {
	q := &Queue{
		cfg: cfg, store: gw, fetch: f, sig: engine, actorKeys: keys,
		limiters:  make(map[string]*rate.Limiter),
		deadHosts: make(map[string]struct{}),
		sem:       make(chan struct{}, max(cfg.GlobalDeliveryCap, 1)),
		stopCh:    make(chan struct{}),
	}
	if dead, err := gw.ListDeadInstances(); err == nil {
		for _, h := range dead {
			q.deadHosts[h] = struct{}{}
		}
	}
	return q
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start launches the background sweep-and-retry loop and the dead-instance
// rehabilitation probe. Both stop on Shutdown.
func (q *Queue) Start(ctx context.Context) {
	go q.sweepLoop(ctx)
	go q.rehabLoop(ctx)
}

// Shutdown waits up to the configured grace period for in-flight
// deliveries to finish, then returns. Anything still in flight is left in
// state `queued` for the next run (§4.7's cancellation rule).
func (q *Queue) Shutdown(ctx context.Context) {
	close(q.stopCh)
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.cfg.ShutdownGracePeriod):
		slog.Warn("delivery queue shutdown grace period elapsed with deliveries in flight")
	case <-ctx.Done():
	}
}

func (q *Queue) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.drainPending(ctx)
		}
	}
}

func (q *Queue) drainPending(ctx context.Context) {
	records, err := q.store.ListPendingDeliveries(time.Now().UTC(), 256)
	if err != nil {
		slog.Warn("list pending deliveries failed", "error", err)
		return
	}
	for _, r := range records {
		r := r
		host := hostOf(r.TargetInbox)
		if _, dead := q.deadHostSnapshot()[host]; dead {
			continue
		}
		select {
		case q.sem <- struct{}{}:
		default:
			continue // global cap reached this tick; record stays queued for next sweep
		}
		q.wg.Add(1)
		go func() {
			defer func() { <-q.sem; q.wg.Done() }()
			q.attempt(ctx, r)
		}()
	}
}

func (q *Queue) deadHostSnapshot() map[string]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]struct{}, len(q.deadHosts))
	for h := range q.deadHosts {
		out[h] = struct{}{}
	}
	return out
}

// Enqueue addresses and queues an activity for delivery (§4.7's addressing
// algorithm). actorAPID is the signer; the payload's to and cc, plus
// explicitTo, name the recipients at actor granularity. The payload's
// audience is not consulted, and the only collection that is expanded is
// the signing actor's own "<actor>/followers".
func (q *Queue) Enqueue(ctx context.Context, actorAPID string, payload map[string]interface{}, explicitTo []string) error {
	payload["@context"] = apmodel.DefaultContext
	body, err := json.Marshal(payload)
	if err != nil {
		return ferr.Wrap(ferr.KindParseError, "marshal outbound activity", err)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		return ferr.New(ferr.KindParseError, "outbound activity missing id")
	}
	if _, err := q.store.InsertActivity(&store.ActivityLogEntry{
		APID: id, Payload: string(body), Direction: store.DirectionSent,
	}); err != nil {
		return err
	}

	recipients := q.collectRecipients(payload, explicitTo)
	inboxes := q.resolveInboxes(ctx, actorAPID, recipients)
	for inbox := range inboxes {
		if err := q.store.EnqueueDelivery(id, inbox); err != nil {
			slog.Warn("enqueue delivery failed", "activity", id, "inbox", inbox, "error", err)
		}
	}
	return nil
}

func (q *Queue) collectRecipients(payload map[string]interface{}, explicitTo []string) map[string]struct{} {
	recipients := make(map[string]struct{})
	addList := func(v interface{}) {
		switch list := v.(type) {
		case []string:
			for _, s := range list {
				recipients[s] = struct{}{}
			}
		case []interface{}:
			for _, e := range list {
				if s, ok := e.(string); ok {
					recipients[s] = struct{}{}
				}
			}
		case string:
			recipients[list] = struct{}{}
		}
	}
	addList(payload["to"])
	addList(payload["cc"])
	for _, s := range explicitTo {
		recipients[s] = struct{}{}
	}

	actorAPID, _ := payload["actor"].(string)
	followersCollection := actorAPID + "/followers"
	if _, ok := recipients[followersCollection]; ok {
		delete(recipients, followersCollection)
		if inboxes, err := q.store.ListFollowerInboxes(actorAPID); err == nil {
			for _, inbox := range inboxes {
				recipients["inbox:"+inbox] = struct{}{} // already-resolved inbox, not an actor APID
			}
		}
	}
	return recipients
}

const publicURI = apmodel.PublicURI

// resolveInboxes turns actor/collection references into concrete inbox
// URLs, dedups by shared inbox, and removes the signing actor's own inbox
// (§4.7 steps 1-4; step 5, dead-host removal, happens at send time).
func (q *Queue) resolveInboxes(ctx context.Context, actorAPID string, recipients map[string]struct{}) map[string]struct{} {
	inboxes := make(map[string]struct{})
	seenOrigin := make(map[string]struct{})
	selfActor, _ := q.store.ReadActorByAPID(actorAPID)

	for r := range recipients {
		if r == publicURI {
			continue
		}
		if strings.HasPrefix(r, "inbox:") {
			inboxes[strings.TrimPrefix(r, "inbox:")] = struct{}{}
			continue
		}
		actor, err := q.fetch.FetchActor(ctx, q.fetch.NewDepth(), r)
		if err != nil {
			fetch.LogFetchFailure(r, err)
			continue
		}
		if selfActor != nil && actor.APID == selfActor.APID {
			continue
		}
		inbox := actor.InboxURL
		if actor.SharedInboxURL != "" {
			origin := hostOf(actor.SharedInboxURL)
			if _, already := seenOrigin[origin]; already {
				continue
			}
			seenOrigin[origin] = struct{}{}
			inbox = actor.SharedInboxURL
		}
		if inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}
	return inboxes
}

// attempt performs one delivery try for a pending record, applying the
// §4.7 backoff curve on failure.
func (q *Queue) attempt(ctx context.Context, r *store.DeliveryRecord) {
	host := hostOf(r.TargetInbox)
	lim := q.limiterFor(host)
	if lim != nil {
		_ = lim.Wait(ctx)
	}

	payload, err := q.store.ReadActivityPayload(r.ActivityAPID)
	if err != nil {
		slog.Warn("delivery: activity payload missing, dropping", "activity", r.ActivityAPID, "error", err)
		_ = q.store.RecordDeliveryResult(&store.DeliveryRecord{
			ActivityAPID: r.ActivityAPID, TargetInbox: r.TargetInbox,
			Attempts: r.Attempts, State: store.DeliveryDead, LastError: err.Error(),
		})
		return
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		slog.Warn("delivery: stored activity payload is not valid JSON", "activity", r.ActivityAPID)
		return
	}
	actorAPID, _ := m["actor"].(string)
	privKey, err := q.actorKeys(actorAPID)
	if err != nil {
		slog.Warn("delivery: cannot resolve signing key for actor", "actor", actorAPID, "error", err)
		return
	}

	req, err := q.sig.NewSignedRequest(ctx, http.MethodPost, r.TargetInbox, m, actorAPID, privKey)
	if err != nil {
		q.fail(r, host, "sign request: "+err.Error())
		return
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		q.fail(r, host, err.Error())
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = q.store.RecordDeliveryResult(&store.DeliveryRecord{
			ActivityAPID: r.ActivityAPID, TargetInbox: r.TargetInbox,
			Attempts: r.Attempts + 1, State: store.DeliveryDone,
		})
		return
	}
	if resp.StatusCode == http.StatusGone {
		// Recipient actor deleted: no point retrying.
		_ = q.store.RecordDeliveryResult(&store.DeliveryRecord{
			ActivityAPID: r.ActivityAPID, TargetInbox: r.TargetInbox,
			Attempts: r.Attempts + 1, State: store.DeliveryDead, LastError: "410 Gone",
		})
		return
	}
	q.fail(r, host, http.StatusText(resp.StatusCode))
}

func (q *Queue) fail(r *store.DeliveryRecord, host, lastErr string) {
	attempts := r.Attempts + 1
	maxAttempts := q.cfg.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 84
	}
	if attempts >= maxAttempts {
		_ = q.store.RecordDeliveryResult(&store.DeliveryRecord{
			ActivityAPID: r.ActivityAPID, TargetInbox: r.TargetInbox,
			Attempts: attempts, State: store.DeliveryDead, LastError: lastErr,
		})
		q.markHostDead(host)
		return
	}
	_ = q.store.RecordDeliveryResult(&store.DeliveryRecord{
		ActivityAPID: r.ActivityAPID, TargetInbox: r.TargetInbox,
		Attempts: attempts, NextAttemptAt: time.Now().UTC().Add(backoff(attempts)),
		State: store.DeliveryQueued, LastError: lastErr,
	})
}

// backoff implements §4.7's curve: attempt n sleeps min(DAY, 1.25^(n-1))
// seconds; the first retry (n=1) is immediate.
func backoff(attempts int) time.Duration {
	if attempts <= 1 {
		return 0
	}
	secs := 1.0
	for i := 0; i < attempts-1; i++ {
		secs *= 1.25
		if secs >= 24*60*60 {
			return 24 * time.Hour
		}
	}
	return time.Duration(secs * float64(time.Second))
}

func (q *Queue) markHostDead(host string) {
	q.mu.Lock()
	q.deadHosts[host] = struct{}{}
	q.mu.Unlock()
	if err := q.store.MarkInstanceDead(host); err != nil {
		slog.Warn("mark instance dead failed", "host", host, "error", err)
	}
}

func (q *Queue) limiterFor(host string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	lim, ok := q.limiters[host]
	if !ok {
		perHost := q.cfg.DeliveryConcurrency
		if perHost <= 0 {
			perHost = 8
		}
		lim = rate.NewLimiter(rate.Limit(perHost), perHost)
		q.limiters[host] = lim
	}
	return lim
}

// rehabLoop periodically probes dead instances' nodeinfo endpoints and
// rehabilitates any that respond (§4.7's "separate periodic task").
func (q *Queue) rehabLoop(ctx context.Context) {
	interval := q.cfg.DeadInstanceProbeEvery
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.probeDeadInstances(ctx)
		}
	}
}

func (q *Queue) probeDeadInstances(ctx context.Context) {
	hosts, err := q.store.ListDeadInstances()
	if err != nil {
		slog.Warn("list dead instances failed", "error", err)
		return
	}
	for _, host := range hosts {
		host := host
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"https://"+host+"/.well-known/nodeinfo", nil)
		if err != nil {
			continue
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			q.mu.Lock()
			delete(q.deadHosts, host)
			q.mu.Unlock()
			if err := q.store.MarkInstanceAlive(host); err != nil {
				slog.Warn("mark instance alive failed", "host", host, "error", err)
			} else {
				slog.Info("instance rehabilitated", "host", host)
			}
		}
	}
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx == -1 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		rest = rest[:slash]
	}
	return rest
}
