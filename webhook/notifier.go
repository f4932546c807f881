package webhook

import (
	"context"
	"time"

	"renderhub/apperr"
	"renderhub/config"

	"github.com/go-logr/logr"
)

// Notifier tells the parent application about finished jobs.
type Notifier struct {
	sender            *Sender
	url               string
	secret            string
	backoff           time.Duration
	completedAttempts int
	failedAttempts    int
	now               func() time.Time
	log               logr.Logger
}

func NewNotifier(sender *Sender, cfg *config.Config, log logr.Logger) *Notifier {
	n := &Notifier{
		sender:            sender,
		url:               cfg.ParentWebhookURL,
		secret:            cfg.ParentWebhookSecret,
		backoff:           cfg.WebhookBackoff,
		completedAttempts: cfg.WebhookCompletedAttempts,
		failedAttempts:    cfg.WebhookFailedAttempts,
		now:               time.Now,
		log:               log.WithName("notifier"),
	}
	if !n.Enabled() {
		n.log.Info("PARENT_WEBHOOK_URL is empty, outbound notifications are disabled")
	}
	return n
}

func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Completed reports a successful job.
func (n *Notifier) Completed(ctx context.Context, kind Kind, jobID, videoID string, result Result) error {
	return n.send(ctx, n.completedAttempts, Payload{
		JobID:   jobID,
		VideoID: videoID,
		Kind:    kind,
		Status:  StatusCompleted,
		Result:  &result,
	})
}

// Failed reports a failed job.
func (n *Notifier) Failed(ctx context.Context, kind Kind, jobID, videoID string, cause error) error {
	return n.send(ctx, n.failedAttempts, Payload{
		JobID:   jobID,
		VideoID: videoID,
		Kind:    kind,
		Status:  StatusFailed,
		Error: &ErrorInfo{
			Message:   cause.Error(),
			Kind:      string(apperr.GetCode(cause)),
			Retryable: apperr.Retryable(cause),
		},
	})
}

func (n *Notifier) send(ctx context.Context, attempts int, p Payload) error {
	if !n.Enabled() {
		return nil
	}
	p.Timestamp = n.now().UTC().Format(time.RFC3339)
	return n.sender.Send(ctx, Delivery{
		URL:        n.url,
		Secret:     n.secret,
		Payload:    p,
		MaxRetries: attempts,
		Backoff:    n.backoff,
	})
}
