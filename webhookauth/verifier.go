package webhookauth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

const (
	HeaderRequestID = "X-Fal-Webhook-Request-Id"
	HeaderUserID    = "X-Fal-Webhook-User-Id"
	HeaderTimestamp = "X-Fal-Webhook-Timestamp"
	HeaderSignature = "X-Fal-Webhook-Signature"
)

// Timestamps below this are seconds, above it milliseconds.
const millisThreshold = 1_000_000_000_000

// Verifier checks inbound callback signatures.
type Verifier struct {
	keys      KeyProvider
	tolerance time.Duration
	now       func() time.Time
	log       logr.Logger
}

func NewVerifier(keys KeyProvider, tolerance time.Duration, log logr.Logger) *Verifier {
	return &Verifier{keys: keys, tolerance: tolerance, now: time.Now, log: log.WithName("verifier")}
}

// Canonical builds the signed message: request id, user id, timestamp and
// the hex SHA-256 of the body, joined by newlines.
func Canonical(requestID, userID, timestamp string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{requestID, userID, timestamp, hex.EncodeToString(sum[:])}, "\n"))
}

func parseTimestamp(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	if n < millisThreshold {
		return time.Unix(n, 0), nil
	}
	return time.UnixMilli(n), nil
}

// Verify reports whether signatureHex is a valid signature of the callback
// by any current key. It never returns an error: every failure is false.
// Stale timestamps are rejected before any key fetch or crypto work.
func (v *Verifier) Verify(ctx context.Context, body []byte, requestID, userID, timestamp, signatureHex string) bool {
	ts, err := parseTimestamp(timestamp)
	if err != nil {
		v.log.Info("Rejecting callback", "request_id", requestID, "reason", err.Error())
		return false
	}
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		v.log.Info("Rejecting callback outside tolerance", "request_id", requestID, "skew", skew.String())
		return false
	}

	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		v.log.Info("Rejecting callback with malformed signature", "request_id", requestID)
		return false
	}

	keys, err := v.keys.Keys(ctx)
	if err != nil {
		v.log.Error(err, "Key set unavailable, callback not verified", "request_id", requestID)
		return false
	}

	msg := Canonical(requestID, userID, timestamp, body)
	for i, key := range keys {
		if v.verifyWith(key, msg, sig, requestID, i) {
			return true
		}
	}
	v.log.Info("No key matched callback signature", "request_id", requestID, "keys", len(keys))
	return false
}

func (v *Verifier) verifyWith(key ed25519.PublicKey, msg, sig []byte, requestID string, index int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Info("Key rejected", "request_id", requestID, "key_index", index, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return ed25519.Verify(key, msg, sig)
}

// VerifyRequest verifies a callback from its headers. A missing header is
// a failed verification.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request, body []byte) bool {
	requestID := r.Header.Get(HeaderRequestID)
	userID := r.Header.Get(HeaderUserID)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)
	if requestID == "" || userID == "" || timestamp == "" || signature == "" {
		v.log.Info("Rejecting callback with missing signature headers", "request_id", requestID)
		return false
	}
	return v.Verify(ctx, body, requestID, userID, timestamp, signature)
}
