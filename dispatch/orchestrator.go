// Package dispatch submits generation jobs to the primary provider, fails
// over to the fallback once, and routes the asynchronous output.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"renderhub/apperr"
	"renderhub/logging"
	"renderhub/provider"
	"renderhub/repo"

	"github.com/go-logr/logr"
)

// OutputHandler receives the final outcome of a dispatched job.
type OutputHandler interface {
	OnOutputReady(ctx context.Context, job repo.GenerationJob, url string, metadata map[string]any) error
	OnOutputFailure(ctx context.Context, jobID, message string) error
}

type Orchestrator struct {
	primary     provider.Facade
	fallback    provider.Facade
	store       repo.Store
	handler     OutputHandler
	callbackURL string
	log         logr.Logger
	now         func() time.Time

	// Output watchers outlive the request that dispatched them.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an orchestrator. fallback may be nil.
func New(primary, fallback provider.Facade, store repo.Store, handler OutputHandler, callbackURL string, log logr.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		primary:     primary,
		fallback:    fallback,
		store:       store,
		handler:     handler,
		callbackURL: callbackURL,
		log:         log.WithName("dispatch"),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// BuildRequest translates a persisted job into a provider request.
func BuildRequest(job *repo.GenerationJob, callbackURL string) (provider.Request, error) {
	if job == nil {
		return provider.Request{}, apperr.Validation("generation job is required")
	}
	var images []string
	for _, u := range job.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			images = append(images, u)
		}
	}
	if len(images) == 0 {
		return provider.Request{}, apperr.Validation("generation job has no image urls").WithField("job_id", job.ID)
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return provider.Request{}, apperr.Validation("generation job has no prompt").WithField("job_id", job.ID)
	}
	return provider.Request{
		JobID:           job.ID,
		VideoID:         job.VideoID,
		Prompt:          job.Prompt,
		ImageURLs:       images,
		Orientation:     job.Orientation,
		DurationSeconds: job.DurationSeconds,
		CallbackURL:     callbackURL,
	}, nil
}

// DispatchJob submits job to the primary provider and, if that fails, to the
// fallback exactly once. On acceptance the tracking id is persisted and the
// output is watched in the background.
func (o *Orchestrator) DispatchJob(ctx context.Context, job *repo.GenerationJob) (*provider.Result, error) {
	req, err := BuildRequest(job, o.callbackURL)
	if err != nil {
		return nil, err
	}

	fallbackUsed := false
	res, err := o.primary.Dispatch(ctx, req)
	if err != nil {
		if o.fallback == nil {
			return nil, apperr.Wrap(err, "dispatch.primary", "provider dispatch failed")
		}
		o.log.Info("Primary provider failed, trying fallback",
			"job_id", job.ID, "primary", o.primary.Name(), "fallback", o.fallback.Name(), "error", err.Error())
		fallbackUsed = true
		res, err = o.fallback.Dispatch(ctx, req)
		if err != nil {
			return nil, apperr.Wrap(err, "dispatch.fallback", "primary and fallback providers failed")
		}
	}

	settings := map[string]any{
		"provider":          res.Provider,
		"model":             res.Model,
		"providerRequestId": res.RequestID,
		"dispatchedAt":      o.now().UTC().Format(time.RFC3339),
		"fallbackUsed":      fallbackUsed,
	}
	if err := o.store.MarkJobProcessing(ctx, job.ID, res.RequestID, res.Provider, settings); err != nil {
		// The provider already accepted the job; keep watching it.
		o.log.Error(err, "Failed to persist provider tracking id", "job_id", job.ID, "request_id", res.RequestID)
	}

	o.log.Info("Generation job dispatched", "job_id", job.ID, "provider", res.Provider, "request_id", res.RequestID, "fallback_used", fallbackUsed)
	o.attachAsyncOutputHandlers(*job, res)
	return res, nil
}

func (o *Orchestrator) attachAsyncOutputHandlers(job repo.GenerationJob, res *provider.Result) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := o.ctx

		out, err := res.AwaitOutput(ctx)
		if ctx.Err() != nil {
			// Shutting down; the job stays processing for the callback path.
			o.log.Info("Stopped watching output", "job_id", job.ID, "request_id", res.RequestID)
			return
		}
		if err != nil {
			msg := err.Error()
			logging.BestEffort(o.log, "Output failure handler failed", func() error {
				return o.handler.OnOutputFailure(ctx, job.ID, msg)
			}, "job_id", job.ID, "request_id", res.RequestID)
			return
		}
		logging.BestEffort(o.log, "Output ready handler failed", func() error {
			return o.handler.OnOutputReady(ctx, job, out.URL, out.Metadata)
		}, "job_id", job.ID, "request_id", res.RequestID)
	}()
}

// Close stops watching outstanding outputs and waits for the watchers.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every outstanding output watcher has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
