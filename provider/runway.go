package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"renderhub/apperr"
	"renderhub/config"
)

// Runway submits to the Runway image_to_video API. Runway has no callback
// channel, so the output is always polled.
type Runway struct {
	apiKey        string
	baseURL       string
	model         string
	version       string
	client        *http.Client
	pollInterval  time.Duration
	outputTimeout time.Duration
}

func NewRunway(cfg *config.Config, client *http.Client) *Runway {
	return &Runway{
		apiKey:        cfg.RunwayAPIKey,
		baseURL:       strings.TrimRight(cfg.RunwayBaseURL, "/"),
		model:         cfg.RunwayModel,
		version:       cfg.RunwayVersion,
		client:        client,
		pollInterval:  cfg.ProviderPollInterval,
		outputTimeout: cfg.ProviderOutputTimeout,
	}
}

func (r *Runway) Name() string { return NameRunway }

type runwayPromptImage struct {
	URI      string `json:"uri"`
	Position string `json:"position"`
}

type runwaySubmitRequest struct {
	Model       string              `json:"model"`
	PromptImage []runwayPromptImage `json:"promptImage"`
	PromptText  string              `json:"promptText,omitempty"`
	Ratio       string              `json:"ratio"`
	Duration    int                 `json:"duration"`
}

type runwayTask struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Output      []string `json:"output"`
	Failure     string   `json:"failure"`
	FailureCode string   `json:"failureCode"`
}

func (r *Runway) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+r.apiKey)
	h.Set("X-Runway-Version", r.version)
	return h
}

func (r *Runway) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if len(req.ImageURLs) == 0 {
		return nil, apperr.Validation("runway dispatch needs at least one image")
	}

	images := []runwayPromptImage{{URI: req.ImageURLs[0], Position: "first"}}
	if len(req.ImageURLs) > 1 {
		images = append(images, runwayPromptImage{URI: req.ImageURLs[len(req.ImageURLs)-1], Position: "last"})
	}
	body := runwaySubmitRequest{
		Model:       r.model,
		PromptImage: images,
		PromptText:  req.Prompt,
		Ratio:       runwayRatio(req.Orientation),
		Duration:    SnapDuration(req.DurationSeconds),
	}

	var resp runwayTask
	if err := doJSON(ctx, r.client, http.MethodPost, r.baseURL+"/v1/image_to_video", r.header(), body, &resp); err != nil {
		return nil, apperr.WrapWithCode(err, apperr.CodeProvider, "runway.dispatch", "runway rejected the request").
			WithField("job_id", req.JobID)
	}
	if resp.ID == "" {
		return nil, apperr.New(apperr.CodeProvider, "runway returned no task id").WithField("job_id", req.JobID)
	}

	taskID := resp.ID
	return NewResult(taskID, NameRunway, r.model, func(ctx context.Context) (Output, error) {
		return pollOutput(ctx, "runway.output", r.pollInterval, r.outputTimeout, func(ctx context.Context) (Output, error) {
			return r.checkOutput(ctx, taskID)
		})
	}), nil
}

func (r *Runway) checkOutput(ctx context.Context, taskID string) (Output, error) {
	var t runwayTask
	if err := doJSON(ctx, r.client, http.MethodGet, r.baseURL+"/v1/tasks/"+url.PathEscape(taskID), r.header(), nil, &t); err != nil {
		return Output{}, err
	}

	switch t.Status {
	case "SUCCEEDED":
		if len(t.Output) == 0 || t.Output[0] == "" {
			return Output{}, apperr.New(apperr.CodeProvider, "runway succeeded without output").WithField("task_id", taskID)
		}
		return Output{
			URL: t.Output[0],
			Metadata: map[string]any{
				"provider":  NameRunway,
				"model":     r.model,
				"requestId": taskID,
			},
		}, nil
	case "FAILED", "CANCELLED":
		msg := t.Failure
		if msg == "" {
			msg = "runway task " + strings.ToLower(t.Status)
		}
		return Output{}, apperr.New(apperr.CodeProvider, msg).
			WithField("task_id", taskID).
			WithField("failure_code", t.FailureCode)
	default:
		return Output{}, errPending
	}
}
