// Package auth verifies the HTTP message signature carried by AudioHook
// connection requests.
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
	"time"
)

// Request headers used by the signature scheme.
const (
	HeaderOrganizationID = "Audiohook-Organization-Id"
	HeaderCorrelationID  = "Audiohook-Correlation-Id"
	HeaderSessionID      = "Audiohook-Session-Id"
	HeaderAPIKey         = "X-Api-Key"
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"

	AlgorithmHMACSHA256 = "hmac-sha256"
)

var (
	ErrMissingHeader      = errors.New("missing required header")
	ErrMissingSignature   = errors.New("missing signature")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrUnknownKey         = errors.New("unknown api key")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature expired")
)

// RequiredComponents must all be covered by the signature.
var RequiredComponents = []string{
	"@request-target",
	"@authority",
	"audiohook-organization-id",
	"audiohook-session-id",
	"audiohook-correlation-id",
	"x-api-key",
}

// VerificationError is returned for every rejected request. Err is one of
// the package sentinels.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func reject(err error, format string, args ...any) error {
	return &VerificationError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Verifier checks HMAC-SHA256 signatures against secrets in a SecretStore.
type Verifier struct {
	store     SecretStore
	maxAge    time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. maxAge bounds the age of the created
// timestamp; clockSkew is the tolerance applied to both timestamps.
func NewVerifier(store SecretStore, maxAge, clockSkew time.Duration) *Verifier {
	return &Verifier{
		store:     store,
		maxAge:    maxAge,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// Verify returns nil when the request carries a valid, fresh signature.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) error {
	apiKey := r.Header.Get(HeaderAPIKey)
	if apiKey == "" {
		return reject(ErrMissingHeader, "x-api-key")
	}

	input := r.Header.Get(HeaderSignatureInput)
	sigHeader := r.Header.Get(HeaderSignature)
	if input == "" || sigHeader == "" {
		return reject(ErrMissingSignature, "signature or signature-input header absent")
	}

	params, err := parseSignatureInput(input)
	if err != nil {
		return reject(ErrMalformedSignature, "%v", err)
	}
	signature, err := parseSignature(sigHeader, params.label)
	if err != nil {
		return reject(ErrMalformedSignature, "%v", err)
	}

	if alg := params.values["alg"]; alg != "" && alg != AlgorithmHMACSHA256 {
		return reject(ErrMalformedSignature, "unsupported algorithm %q", alg)
	}
	for _, c := range RequiredComponents {
		if !params.covers(c) {
			return reject(ErrMalformedSignature, "component %q not covered", c)
		}
	}

	keyID := params.values["keyid"]
	if keyID != apiKey {
		return reject(ErrUnknownKey, "keyid does not match x-api-key")
	}

	if err := v.checkFreshness(params); err != nil {
		return err
	}

	secret, err := v.store.Lookup(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return reject(ErrUnknownKey, "no secret for key")
		}
		return fmt.Errorf("secret lookup: %w", err)
	}

	base, err := signatureBase(r, params)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(base))
	if !hmac.Equal(mac.Sum(nil), signature) {
		return reject(ErrSignatureMismatch, "digest does not match")
	}
	return nil
}

func (v *Verifier) checkFreshness(params *signatureParams) error {
	now := v.now()

	created, ok, err := params.unix("created")
	if err != nil {
		return reject(ErrMalformedSignature, "%v", err)
	}
	if !ok {
		return reject(ErrMalformedSignature, "created parameter absent")
	}
	if created.After(now.Add(v.clockSkew)) {
		return reject(ErrSignatureExpired, "created in the future")
	}
	if v.maxAge > 0 && now.Sub(created) > v.maxAge+v.clockSkew {
		return reject(ErrSignatureExpired, "created %s ago", now.Sub(created).Truncate(time.Second))
	}

	expires, ok, err := params.unix("expires")
	if err != nil {
		return reject(ErrMalformedSignature, "%v", err)
	}
	if ok && expires.Before(now.Add(-v.clockSkew)) {
		return reject(ErrSignatureExpired, "expired")
	}
	return nil
}

// signatureBase builds the string that is MACed: one line per covered
// component, then the signature parameters exactly as received.
func signatureBase(r *http.Request, params *signatureParams) (string, error) {
	var b strings.Builder
	for _, c := range params.components {
		value, err := componentValue(r, c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", c, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params.raw)
	return b.String(), nil
}

func componentValue(r *http.Request, component string) (string, error) {
	switch component {
	case "@request-target":
		return r.URL.RequestURI(), nil
	case "@authority":
		return strings.ToLower(r.Host), nil
	case "@method":
		return r.Method, nil
	case "@path":
		return r.URL.EscapedPath(), nil
	case "@query":
		return "?" + r.URL.RawQuery, nil
	}
	if strings.HasPrefix(component, "@") {
		return "", reject(ErrMalformedSignature, "unsupported derived component %q", component)
	}

	values := r.Header.Values(component)
	if len(values) == 0 {
		return "", reject(ErrMissingHeader, "%s", component)
	}
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), nil
}

// Sign adds signature headers to r covering RequiredComponents. The
// audiohook and x-api-key headers must already be set.
func Sign(r *http.Request, keyID string, secret []byte, created time.Time, nonce string) error {
	quoted := make([]string, len(RequiredComponents))
	for i, c := range RequiredComponents {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	raw := fmt.Sprintf("(%s);keyid=%q;nonce=%q;alg=%q;created=%d;expires=%d",
		strings.Join(quoted, " "), keyID, nonce, AlgorithmHMACSHA256,
		created.Unix(), created.Add(5*time.Minute).Unix())

	params, err := parseSignatureInput("sig1=" + raw)
	if err != nil {
		return err
	}
	base, err := signatureBase(r, params)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(base))

	r.Header.Set(HeaderSignatureInput, "sig1="+raw)
	r.Header.Set(HeaderSignature, "sig1=:"+base64.StdEncoding.EncodeToString(mac.Sum(nil))+":")
	return nil
}
