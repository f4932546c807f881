// Package webhook delivers signed notifications to the parent application.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"renderhub/apperr"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	HeaderID        = "X-Webhook-Id"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// Delivery is one notification with its retry policy. MaxRetries is the
// total number of attempts; the wait before attempt n+1 is Backoff*2^(n-1).
type Delivery struct {
	URL        string
	Secret     string
	Payload    Payload
	MaxRetries int
	Backoff    time.Duration
}

type Sender struct {
	client *http.Client
	log    logr.Logger
	now    func() time.Time
	// nil uses the real clock.
	timer backoff.Timer
}

func NewSender(client *http.Client, log logr.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{client: client, log: log.WithName("webhook"), now: time.Now}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sender) schedule(ctx context.Context, d Delivery) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.Backoff
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = 24 * time.Hour
	expo.MaxElapsedTime = 0
	expo.Reset()

	attempts := d.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)
}

// Send posts the payload until a 2xx answer or until the attempt budget is
// spent. Every failed attempt is retried, whatever the status.
func (s *Sender) Send(ctx context.Context, d Delivery) error {
	if d.URL == "" {
		return apperr.Validation("webhook url is required")
	}
	body, err := json.Marshal(d.Payload)
	if err != nil {
		return apperr.Wrap(err, "webhook.send", "failed to encode payload")
	}
	deliveryID := uuid.NewString()

	attempt := 0
	op := func() error {
		attempt++
		return s.post(ctx, d, deliveryID, body)
	}
	notify := func(err error, wait time.Duration) {
		s.log.Info("Webhook attempt failed, retrying",
			"delivery_id", deliveryID, "job_id", d.Payload.JobID, "attempt", attempt, "wait", wait.String(), "error", err.Error())
	}

	if err := backoff.RetryNotifyWithTimer(op, s.schedule(ctx, d), notify, s.timer); err != nil {
		return apperr.WrapWithCode(err, apperr.CodeDelivery, "webhook.send",
			fmt.Sprintf("delivery failed after %d attempts", attempt)).
			WithField("delivery_id", deliveryID).
			WithField("job_id", d.Payload.JobID)
	}
	s.log.V(1).Info("Webhook delivered", "delivery_id", deliveryID, "job_id", d.Payload.JobID, "attempts", attempt)
	return nil
}

func (s *Sender) post(ctx context.Context, d Delivery, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	ts := s.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if d.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(d.Secret, ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
