// Package sig implements the Signature Engine (§4.2): outbound HTTP
// Signature production and inbound verification, plus the JSON-LD
// actor/key-host cross-checks that run after HTTP verification succeeds.
package sig

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/klppl/orbit/internal/ferr"
)

// Engine signs outbound requests and verifies inbound ones.
type Engine struct {
	ClockSkew time.Duration // FEDERATION_CLOCK_SKEW_SECONDS
}

// New builds a signature Engine with the given maximum clock skew.
func New(clockSkew time.Duration) *Engine {
	return &Engine{ClockSkew: clockSkew}
}

// Sign signs an outbound POST request body with the given actor key,
// keyed by "{actorAPID}#main-key", covering (request-target), host, date,
// and digest.
func (e *Engine) Sign(req *http.Request, body []byte, actorAPID string, privKey *rsa.PrivateKey) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return ferr.Wrap(ferr.KindStorageError, "create signer", err)
	}
	keyID := actorAPID + "#main-key"
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return ferr.Wrap(ferr.KindStorageError, "sign request", err)
	}
	return nil
}

// VerifyDigest checks that the Digest header matches the SHA-256 hash of
// body. A missing header is tolerated (older AP servers omit it); an
// unrecognized algorithm is skipped rather than rejected.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return ferr.New(ferr.KindSignatureInvalid, "digest mismatch")
	}
	return nil
}

// VerifyResult carries what inbound HTTP-signature verification learned,
// for the JSON-LD cross-checks the Inbox Processor runs next.
type VerifyResult struct {
	KeyID        string // full "actorURL#main-key"
	KeyOwnerHost string // host of the actor that owns the signing key
}

// Verify checks an inbound request's HTTP Signature header: Date freshness,
// cryptographic validity against the resolved public key, and digest
// integrity. It does not fetch the key itself — callers supply a resolver
// so the Fetcher's ID-Policy gating and caching are reused rather than
// duplicated here.
func (e *Engine) Verify(req *http.Request, body []byte, resolveKey func(keyID string) (*rsa.PublicKey, string, error)) (*VerifyResult, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return nil, ferr.New(ferr.KindSignatureInvalid, "missing Date header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindSignatureInvalid, "invalid Date header", err)
	}
	if skew := time.Since(reqTime); skew > e.ClockSkew || skew < -e.ClockSkew {
		return nil, ferr.New(ferr.KindSignatureInvalid, "Date header skew exceeds allowed window")
	}

	if err := VerifyDigest(body, req.Header.Get("Digest")); err != nil {
		return nil, err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindSignatureInvalid, "create verifier", err)
	}
	keyID := verifier.KeyId()

	pubKey, ownerAPID, err := resolveKey(keyID)
	if err != nil {
		return nil, err // caller-classified: NotFound, TransientNetwork, etc.
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return nil, ferr.Wrap(ferr.KindSignatureInvalid, "signature verification failed", err)
	}

	ownerHost := hostOf(ownerAPID)
	return &VerifyResult{KeyID: keyID, KeyOwnerHost: ownerHost}, nil
}

// CrossCheckActor enforces §4.2's JSON-LD cross-checks: the activity's
// actor host must equal the signing key owner's host, and the activity's
// id host must equal the actor's host.
func CrossCheckActor(vr *VerifyResult, activityID, activityActor string) error {
	actorHost := hostOf(activityActor)
	if !strings.EqualFold(actorHost, vr.KeyOwnerHost) {
		return ferr.New(ferr.KindSignatureInvalid, "activity actor host does not match signing key owner host")
	}
	idHost := hostOf(activityID)
	if !strings.EqualFold(idHost, actorHost) {
		return ferr.New(ferr.KindSignatureInvalid, "activity id host does not match actor host")
	}
	return nil
}

// KeyIDOwner splits a "{actorURL}#main-key" keyId into the bare actor URL.
func KeyIDOwner(keyID string) string {
	return strings.SplitN(keyID, "#", 2)[0]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// MarshalDigest computes the Digest header value for an outbound body.
func MarshalDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// NewSignedRequest builds and signs a POST request carrying a JSON payload,
// ready to send.
func (e *Engine) NewSignedRequest(ctx context.Context, method, rawURL string, payload interface{}, actorAPID string, privKey *rsa.PrivateKey) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindParseError, "marshal payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, ferr.Wrap(ferr.KindTransientNetwork, "create request", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Digest", MarshalDigest(body))
	if err := e.Sign(req, body, actorAPID, privKey); err != nil {
		return nil, err
	}
	return req, nil
}
