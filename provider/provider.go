// Package provider submits image-to-video generation requests to third-party
// providers and tracks their asynchronous output.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"renderhub/apperr"
	"renderhub/config"
	"renderhub/task"
)

const (
	NameFal    = "fal"
	NameRunway = "runway"
)

// Request is the provider-agnostic generation request.
type Request struct {
	JobID           string
	VideoID         string
	Prompt          string
	ImageURLs       []string
	Orientation     task.Orientation
	DurationSeconds float64
	CallbackURL     string
}

// Output is the final artifact of a generation.
type Output struct {
	URL      string
	Metadata map[string]any
}

// Facade is one provider's submission API.
type Facade interface {
	Name() string
	Dispatch(ctx context.Context, req Request) (*Result, error)
}

// Result is what a provider returns on acceptance. The output itself arrives
// later through AwaitOutput.
type Result struct {
	RequestID string
	Provider  string
	Model     string

	await func(ctx context.Context) (Output, error)

	mu sync.Mutex
	// running is closed when the in-flight resolution returns.
	running chan struct{}
	done    bool
	out     Output
	err     error
}

// NewResult builds a Result whose output is resolved by await.
func NewResult(requestID, provider, model string, await func(ctx context.Context) (Output, error)) *Result {
	return &Result{RequestID: requestID, Provider: provider, Model: model, await: await}
}

// AwaitOutput resolves the generation output. The first call does the work;
// concurrent callers wait for it, or for their own context, and every caller
// observes the same outcome. An outcome caused by the resolving caller's
// context ending is not remembered and the next caller starts over.
func (r *Result) AwaitOutput(ctx context.Context) (Output, error) {
	for {
		r.mu.Lock()
		if r.done {
			r.mu.Unlock()
			return r.out, r.err
		}
		if r.await == nil {
			r.mu.Unlock()
			return Output{}, apperr.Newf(apperr.CodeProvider, "%s result %s has no output tracker", r.Provider, r.RequestID)
		}
		if wait := r.running; wait != nil {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return Output{}, ctx.Err()
			}
		}
		running := make(chan struct{})
		r.running = running
		r.mu.Unlock()

		out, err := r.await(ctx)

		r.mu.Lock()
		r.running = nil
		if err == nil || ctx.Err() == nil {
			r.done, r.out, r.err = true, out, err
		}
		r.mu.Unlock()
		close(running)
		return out, err
	}
}

// New returns the facade registered under name.
func New(name string, cfg *config.Config, client *http.Client) (Facade, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	switch name {
	case NameFal:
		return NewFal(cfg, client), nil
	case NameRunway:
		return NewRunway(cfg, client), nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown provider %q", name))
	}
}

// SnapDuration maps a requested clip length onto the 5s/10s choices both
// providers accept.
func SnapDuration(seconds float64) int {
	if seconds <= 5 {
		return 5
	}
	return 10
}

func falAspectRatio(o task.Orientation) string {
	switch o {
	case task.OrientationPortrait:
		return "9:16"
	case task.OrientationSquare:
		return "1:1"
	default:
		return "16:9"
	}
}

func runwayRatio(o task.Orientation) string {
	switch o {
	case task.OrientationPortrait:
		return "720:1280"
	case task.OrientationSquare:
		return "960:960"
	default:
		return "1280:720"
	}
}
