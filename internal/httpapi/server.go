// Package httpapi exposes the federation core's endpoint table (§6): the
// shared/user/community inboxes, actor and object documents, and the
// WebFinger/NodeInfo discovery endpoints. Grounded on the teacher's chi
// router, inbox concurrency limiter, and JSON response helpers, generalized
// from a single-user bridge to a multi-actor (user/community/post/comment)
// instance.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/orbit/internal/apmodel"
	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/inbox"
	"github.com/klppl/orbit/internal/store"
)

const (
	activityJSONType = `application/activity+json`
	softwareVersion   = "0.1.0"
)

// inboxLimiter is a per-origin concurrent-activity counter, preventing one
// noisy remote instance from exhausting the global inbox concurrency cap.
type inboxLimiter struct {
	mu       sync.Mutex
	counts   map[string]int
	perLimit int
}

func newInboxLimiter(perOriginLimit int) *inboxLimiter {
	return &inboxLimiter{counts: make(map[string]int), perLimit: perOriginLimit}
}

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= l.perLimit {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Server is the federation core's HTTP surface.
type Server struct {
	cfg       *config.Config
	store     store.Gateway
	processor *inbox.Processor
	router    *chi.Mux

	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter
	startedAt    time.Time
}

// New constructs a Server and builds its route table.
func New(cfg *config.Config, gw store.Gateway, processor *inbox.Processor) *Server {
	s := &Server{
		cfg:          cfg,
		store:        gw,
		processor:    processor,
		inboxSem:     make(chan struct{}, max(cfg.InboxConcurrency, 1)),
		inboxLimiter: newInboxLimiter(max(cfg.InboxPerOriginLimit, 1)),
		startedAt:    time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully within a fixed grace period.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	slog.Info("starting http server", "addr", addr, "hostname", s.cfg.Hostname)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/nodeinfo/2.1", s.handleNodeInfo)

	r.Post("/inbox", s.handleSharedInbox)
	r.Post("/u/{name}/inbox", s.handleActorInbox)
	r.Post("/c/{name}/inbox", s.handleActorInbox)

	r.Get("/u/{name}", s.handleActorDocument)
	r.Get("/c/{name}", s.handleActorDocument)
	r.Get("/c/{name}/followers", s.handleFollowers)
	r.Get("/c/{name}/outbox", s.handleOutbox)
	r.Get("/c/{name}/moderators", s.handleModerators)

	r.Get("/post/{id}", s.handleObject)
	r.Get("/comment/{id}", s.handleObject)

	r.Get("/api/dead-instances", s.handleDeadInstances)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return middleware.Logger(next)
}

// ─── Inbox ────────────────────────────────────────────────────────────────

func (s *Server) handleSharedInbox(w http.ResponseWriter, r *http.Request) {
	s.handleInbox(w, r)
}

func (s *Server) handleActorInbox(w http.ResponseWriter, r *http.Request) {
	s.handleInbox(w, r)
}

// handleInbox runs the full Inbox Processor state machine synchronously,
// applying the per-origin and global concurrency caps from the teacher's
// inboxLimiter shape before admitting the request. Unlike the teacher's
// fire-and-forget 202 Accepted, it returns the state machine's actual
// terminal HTTP status (§4.6), since dedup, policy rejection, and
// signature failure are all meaningful to the sender.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	origin := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		origin = host
	}

	if !s.inboxLimiter.acquire(origin) {
		http.Error(w, "too many requests from origin", http.StatusTooManyRequests)
		return
	}
	defer s.inboxLimiter.release(origin)

	select {
	case s.inboxSem <- struct{}{}:
		defer func() { <-s.inboxSem }()
	default:
		http.Error(w, "inbox overloaded", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	result := s.processor.HandleRequest(ctx, r.WithContext(ctx))
	if result.Err != nil {
		http.Error(w, result.Err.Error(), result.Status)
		return
	}
	w.WriteHeader(result.Status)
}

// ─── Actors / objects ──────────────────────────────────────────────────────

func (s *Server) handleActorDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	prefix := "/u/"
	if strings.HasPrefix(r.URL.Path, "/c/") {
		prefix = "/c/"
	}
	apID := s.cfg.BaseURL(prefix + name)
	a, err := s.store.ReadActorByAPID(apID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	apResponse(w, apmodel.WithContext(actorToWire(s.cfg, a)))
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	apID := s.cfg.BaseURL("/c/" + name)
	inboxes, err := s.store.ListFollowerInboxes(apID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	col := apmodel.OrderedCollection{
		ID: apID + "/followers", Type: "OrderedCollection", TotalItems: len(inboxes),
	}
	apResponse(w, apmodel.WithContext(col))
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	apID := s.cfg.BaseURL("/c/" + name)
	col := apmodel.OrderedCollection{ID: apID + "/outbox", Type: "OrderedCollection", TotalItems: 0}
	apResponse(w, apmodel.WithContext(col))
}

func (s *Server) handleModerators(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	apID := s.cfg.BaseURL("/c/" + name)
	mods, err := s.store.ListModerators(apID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	items := make([]interface{}, 0, len(mods))
	for _, m := range mods {
		items = append(items, m)
	}
	col := apmodel.OrderedCollection{
		ID: apID + "/moderators", Type: "OrderedCollection", TotalItems: len(items),
	}
	apResponse(w, apmodel.WithContext(col))
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind := "post"
	if strings.HasPrefix(r.URL.Path, "/comment/") {
		kind = "comment"
	}
	apID := s.cfg.BaseURL("/" + kind + "/" + id)
	obj, err := s.store.ReadObjectByAPID(apID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if obj.Deleted || obj.Removed {
		http.Error(w, "gone", http.StatusGone)
		return
	}
	apResponse(w, apmodel.WithContext(objectToWire(obj)))
}

// ─── Discovery ──────────────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}
	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	name, host := parts[0], parts[1]
	if host != s.cfg.URL().Host {
		http.NotFound(w, r)
		return
	}

	userID := s.cfg.BaseURL("/u/" + name)
	communityID := s.cfg.BaseURL("/c/" + name)
	var subjectID string
	if _, err := s.store.ReadActorByAPID(userID); err == nil {
		subjectID = userID
	} else if _, err := s.store.ReadActorByAPID(communityID); err == nil {
		subjectID = communityID
	} else {
		http.NotFound(w, r)
		return
	}

	resp := apmodel.WebFingerResponse{
		Subject: resource,
		Aliases: []string{subjectID},
		Links: []apmodel.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: subjectID},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{"rel": "http://nodeinfo.diaspora.software/ns/schema/2.1", "href": s.cfg.BaseURL("/nodeinfo/2.1")},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	info := apmodel.NodeInfo{
		Version:  "2.1",
		Software: apmodel.NodeInfoSoftware{Name: "orbit", Version: softwareVersion},
		Protocols: []string{"activitypub"},
		Usage:    apmodel.NodeInfoUsage{Users: apmodel.NodeInfoUsers{}},
		OpenRegistrations: false,
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

func (s *Server) handleDeadInstances(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListDeadInstances()
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{"dead_instances": hosts}, http.StatusOK)
}

// ─── Wire mapping ───────────────────────────────────────────────────────────

func actorToWire(cfg *config.Config, a *store.Actor) *apmodel.Actor {
	out := &apmodel.Actor{
		ID: a.APID, PreferredUsername: a.Name, Name: a.DisplayName, Summary: a.Bio,
		Inbox: a.InboxURL, Outbox: a.OutboxURL, Followers: a.FollowersURL,
		Moderators: a.ModeratorsURL, Featured: a.FeaturedURL,
		PostingRestrictedToMods: a.PostingRestrictedToMod,
	}
	switch a.Kind {
	case store.ActorCommunity:
		out.Type = "Group"
	case store.ActorSite:
		out.Type = "Application"
	default:
		out.Type = "Person"
	}
	if a.PublicKeyPEM != "" {
		out.PublicKey = &apmodel.PublicKey{ID: a.APID + "#main-key", Owner: a.APID, PublicKeyPem: a.PublicKeyPEM}
	}
	if a.SharedInboxURL != "" {
		out.Endpoints = &apmodel.Endpoints{SharedInbox: a.SharedInboxURL}
	}
	return out
}

func objectToWire(o *store.Object) *apmodel.ObjectEnvelope {
	objType := "Note"
	if o.Kind == store.KindPost {
		objType = "Page"
	}
	env := &apmodel.ObjectEnvelope{
		ID: o.APID, Type: objType, AttributedTo: o.CreatorAPID, Content: o.Content,
		InReplyTo: o.ParentAPID,
	}
	if !o.PublishedAt.IsZero() {
		env.Published = o.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	if !o.UpdatedAt.IsZero() {
		env.Updated = o.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return env
}

// ─── Response helpers ───────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}
