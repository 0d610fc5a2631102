// Package auth verifies signed WebSocket upgrade requests.
//
// Clients sign a canonical string covering the request target and a fixed
// header list with an HMAC-SHA256 keyed by the shared secret for their API
// key. Verification failures are deliberately uniform: the caller learns
// only that the request was rejected, never whether the key exists or what
// digest was expected.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/voxgate/voxgate/pkg/provider/secrets"
)

// Required request headers.
const (
	HeaderOrganizationID = "Voxgate-Organization-Id"
	HeaderSessionID      = "Voxgate-Session-Id"
	HeaderCorrelationID  = "Voxgate-Correlation-Id"
	HeaderAPIKey         = "X-API-Key"
	HeaderSignature      = "Signature"
	HeaderSignatureInput = "Signature-Input"
)

// signedHeaders is the protocol-defined header order covered by the
// signature, after the @request-target pseudo-header.
var signedHeaders = []string{
	HeaderOrganizationID,
	HeaderSessionID,
	HeaderCorrelationID,
	HeaderAPIKey,
	"Host",
}

// testBypassMarker is the path segment that skips verification when the
// bypass is explicitly enabled. Development only; see [WithTestBypass].
const testBypassMarker = "unauthenticated-test"

// ErrUnauthorized is returned for every verification failure. Callers must
// surface it as a bare 401 with no detail.
var ErrUnauthorized = errors.New("auth: request verification failed")

// Verifier checks upgrade-request signatures against secrets resolved
// through an injected [secrets.Resolver].
type Verifier struct {
	resolver        secrets.Resolver
	allowTestBypass bool
}

// Option is a functional option for Verifier.
type Option func(*Verifier)

// WithTestBypass allows requests whose path contains the unauthenticated
// test marker to skip verification. Never enable this outside development.
func WithTestBypass(enabled bool) Option {
	return func(v *Verifier) { v.allowTestBypass = enabled }
}

// New builds a Verifier resolving secrets through resolver.
func New(resolver secrets.Resolver, opts ...Option) *Verifier {
	v := &Verifier{resolver: resolver}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Identity is the caller identity carried by a verified request.
type Identity struct {
	OrganizationID string
	SessionID      string
	CorrelationID  string
	APIKeyID       string
}

// Verify checks r's signature. On success it returns the caller identity;
// on any failure it returns an error wrapping [ErrUnauthorized] whose
// message is safe to log but must not be sent to the client.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (Identity, error) {
	id := Identity{
		OrganizationID: r.Header.Get(HeaderOrganizationID),
		SessionID:      r.Header.Get(HeaderSessionID),
		CorrelationID:  r.Header.Get(HeaderCorrelationID),
		APIKeyID:       r.Header.Get(HeaderAPIKey),
	}

	if v.allowTestBypass && hasBypassMarker(r.URL.Path) {
		return id, nil
	}

	for _, h := range append([]string{HeaderSignature, HeaderSignatureInput}, signedHeaders[:len(signedHeaders)-1]...) {
		if r.Header.Get(h) == "" {
			return Identity{}, fmt.Errorf("%w: missing header %s", ErrUnauthorized, h)
		}
	}

	secret, err := v.resolver.Resolve(ctx, id.APIKeyID)
	if err != nil {
		// Unknown keys and store errors look identical to bad signatures.
		return Identity{}, fmt.Errorf("%w: secret resolution", ErrUnauthorized)
	}

	supplied, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: signature encoding", ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalString(r)))
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		return Identity{}, fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return id, nil
}

// canonicalString reconstructs the signing string: the request target
// pseudo-header followed by each covered header value, one per line.
func canonicalString(r *http.Request) string {
	var b strings.Builder
	b.WriteString("@request-target: ")
	b.WriteString(strings.ToLower(r.Method))
	b.WriteByte(' ')
	b.WriteString(r.URL.RequestURI())

	for _, h := range signedHeaders {
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(h))
		b.WriteString(": ")
		if h == "Host" {
			b.WriteString(r.Host)
		} else {
			b.WriteString(r.Header.Get(h))
		}
	}
	return b.String()
}

func hasBypassMarker(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == testBypassMarker {
			return true
		}
	}
	return false
}

// Sign computes the signature for r using secret and sets the Signature and
// Signature-Input headers. Exported for clients and tests.
func Sign(r *http.Request, secret []byte) {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalString(r)))
	r.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	r.Header.Set(HeaderSignatureInput,
		`sig=("@request-target" "voxgate-organization-id" "voxgate-session-id" "voxgate-correlation-id" "x-api-key" "host");alg="hmac-sha256"`)
}
