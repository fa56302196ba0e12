// Package inbox implements the Inbox Processor (§4.6): the entry point for
// incoming activities, running the RECEIVED → ... → DONE state machine and
// mapping failures to the HTTP status codes §4.6/§7 specify.
package inbox

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klppl/orbit/internal/activity"
	"github.com/klppl/orbit/internal/config"
	"github.com/klppl/orbit/internal/fetch"
	"github.com/klppl/orbit/internal/ferr"
	"github.com/klppl/orbit/internal/keys"
	"github.com/klppl/orbit/internal/sig"
	"github.com/klppl/orbit/internal/store"
)

// Announcer is the subset of the Announce Coordinator the Inbox Processor
// calls into after APPLIED, kept as an interface to avoid an import cycle
// between internal/inbox and internal/announce.
type Announcer interface {
	Announce(ctx context.Context, communityAPID string, activityPayload map[string]interface{}) error
}

// Emitter is the subset of the Delivery Queue the Inbox Processor calls
// into to send Emissions (e.g. Accept{Follow}) produced by Receive.
type Emitter interface {
	Enqueue(ctx context.Context, actorAPID string, payload map[string]interface{}, to []string) error
}

// Processor runs the inbound activity state machine.
type Processor struct {
	Cfg      *config.Config
	Store    store.Gateway
	Fetch    *fetch.Fetcher
	Sig      *sig.Engine
	Announce Announcer
	Deliver  Emitter

	// NextID mints ap_ids for activities Receive emits in reply (Accept{Follow}).
	NextID func() string
}

// Step names the inbox processor's state machine stations (§4.6).
type Step string

const (
	StepReceived         Step = "RECEIVED"
	StepSigVerified      Step = "SIG_VERIFIED"
	StepEnvelopeVerified Step = "ENVELOPE_VERIFIED"
	StepDeduped          Step = "DEDUPED"
	StepActivityVerified Step = "ACTIVITY_VERIFIED"
	StepApplied          Step = "APPLIED"
	StepAnnounced        Step = "ANNOUNCED"
	StepDone             Step = "DONE"
)

// Result is what HandleRequest returns: the terminal step reached and the
// HTTP status to send.
type Result struct {
	Step   Step
	Status int
	Err    error
}

// HandleRequest runs the full inbound pipeline for one HTTP POST to a
// shared/user/community inbox.
func (p *Processor) HandleRequest(ctx context.Context, req *http.Request) Result {
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return Result{StepReceived, 400, ferr.Wrap(ferr.KindParseError, "read body", err)}
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	vr, err := p.Sig.Verify(req, body, func(keyID string) (*rsa.PublicKey, string, error) {
		pubPEM, ownerAPID, err := p.Fetch.ResolveSigningKey(ctx, keyID)
		if err != nil {
			return nil, "", err
		}
		pub, err := keys.DecodeRemotePublicKey(pubPEM)
		if err != nil {
			return nil, "", ferr.Wrap(ferr.KindSignatureInvalid, "decode signing key", err)
		}
		return pub, ownerAPID, nil
	})
	if err != nil {
		return p.reject(StepSigVerified, err)
	}

	env, err := activity.ParseEnvelope(body)
	if err != nil {
		return p.reject(StepEnvelopeVerified, err)
	}
	if err := sig.CrossCheckActor(vr, env.ID, env.ActorID); err != nil {
		return p.reject(StepEnvelopeVerified, err)
	}

	fresh, err := p.Store.InsertActivity(&store.ActivityLogEntry{
		APID: env.ID, Payload: string(body), Direction: store.DirectionReceived,
	})
	if err != nil {
		return p.reject(StepDeduped, err)
	}
	if !fresh {
		// §4.6: already seen, return 200 without re-applying.
		return Result{StepDeduped, 200, nil}
	}

	actCtx := &activity.Context{
		Ctx: ctx, Cfg: p.Cfg, Fetch: p.Fetch, Sig: p.Sig, Store: p.Store,
		VerifiedKeyOwnerHost: vr.KeyOwnerHost, Now: time.Now().UTC(),
		NextID:               p.NextID,
	}

	if err := activity.Verify(actCtx, env); err != nil {
		return p.reject(StepActivityVerified, err)
	}

	outcome, err := activity.Receive(actCtx, env)
	if err != nil {
		return p.reject(StepApplied, err)
	}

	if outcome != nil {
		for _, em := range outcome.Emissions {
			to := emissionTo(em)
			if err := p.Deliver.Enqueue(ctx, em.ActorAPID, em.Payload, to); err != nil {
				slog.Warn("failed to enqueue emission from inbox receive", "activity", env.ID, "error", err)
			}
		}
		if outcome.ShouldAnnounce && outcome.CommunityAPID != "" && p.Announce != nil {
			community, err := p.Store.ReadActorByAPID(outcome.CommunityAPID)
			if err == nil && community.IsLocal() {
				var payload map[string]interface{}
				if err := json.Unmarshal(body, &payload); err == nil {
					if err := p.Announce.Announce(ctx, outcome.CommunityAPID, payload); err != nil {
						slog.Warn("announce failed", "activity", env.ID, "error", err)
					}
				}
				return Result{StepAnnounced, 200, nil}
			}
		}
	}

	return Result{StepDone, 200, nil}
}

// emissionTo extracts the recipient inbox list from an Emission: either its
// explicit ToInbox, or the "to" field baked into its payload by the builder
// that produced it (e.g. activity.BuildAccept).
func emissionTo(em activity.Emission) []string {
	if em.ToInbox != "" {
		return []string{em.ToInbox}
	}
	if raw, ok := em.Payload["to"]; ok {
		switch v := raw.(type) {
		case []string:
			return v
		case string:
			return []string{v}
		}
	}
	return nil
}

func (p *Processor) reject(step Step, err error) Result {
	kind := ferr.KindOf(err)
	status := ferr.HTTPStatus(kind)
	slog.Info("inbox rejected", "step", step, "status", status, "error", err)
	return Result{step, status, err}
}
