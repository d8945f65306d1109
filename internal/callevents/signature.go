package callevents

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"careline_backend/platform/config"
)

// SignatureHeader is the request header carrying the provider's HMAC
// signature in the form "t=<unixSeconds>,v0=<hexDigest>".
const SignatureHeader = "Elevenlabs-Signature"

// Signature verification failures. All map to a hard 401 reject; no audit
// record is written for an unauthenticated delivery.
var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrStaleSignature     = errors.New("signature timestamp outside replay window")
	ErrDigestMismatch     = errors.New("signature digest mismatch")
)

// SignatureVerifier authenticates webhook deliveries with HMAC-SHA256 over
// "<timestamp>.<rawBody>" and a shared secret.
type SignatureVerifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewSignatureVerifier creates a verifier from the webhook configuration.
func NewSignatureVerifier(cfg config.WebhookConfig) *SignatureVerifier {
	return &SignatureVerifier{
		secret: []byte(cfg.GetWebhookSigningSecret()),
		maxAge: cfg.GetSignatureMaxAge(),
		now:    time.Now,
	}
}

// Verify checks the signature header against the raw request body.
// Returns nil only for a well-formed header with a fresh timestamp and a
// matching digest.
func (v *SignatureVerifier) Verify(header string, body []byte) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}

	timestamp, digest, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(timestamp, 0))
	if age >= v.maxAge {
		return ErrStaleSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return ErrDigestMismatch
	}
	return nil
}

// parseSignatureHeader splits "t=<unixSeconds>,v0=<hexDigest>".
func parseSignatureHeader(header string) (int64, string, error) {
	var timestampRaw, digest string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestampRaw = value
		case "v0":
			digest = value
		}
	}

	if timestampRaw == "" || digest == "" {
		return 0, "", ErrMalformedSignature
	}

	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, "", ErrMalformedSignature
	}

	return timestamp, strings.ToLower(digest), nil
}
