package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"renderhub/apperr"
	"renderhub/config"
)

// Fal submits to the fal.ai queue API.
type Fal struct {
	key           string
	queueURL      string
	model         string
	client        *http.Client
	pollInterval  time.Duration
	outputTimeout time.Duration
}

func NewFal(cfg *config.Config, client *http.Client) *Fal {
	return &Fal{
		key:           cfg.FalKey,
		queueURL:      strings.TrimRight(cfg.FalQueueURL, "/"),
		model:         strings.Trim(cfg.FalModel, "/"),
		client:        client,
		pollInterval:  cfg.ProviderPollInterval,
		outputTimeout: cfg.ProviderOutputTimeout,
	}
}

func (f *Fal) Name() string { return NameFal }

type falSubmitRequest struct {
	Prompt       string `json:"prompt"`
	ImageURL     string `json:"image_url"`
	TailImageURL string `json:"tail_image_url,omitempty"`
	Duration     string `json:"duration"`
	AspectRatio  string `json:"aspect_ratio"`
}

type falSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type falStatusResponse struct {
	Status string `json:"status"`
}

type falOutputResponse struct {
	Video struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		FileSize    int64  `json:"file_size"`
	} `json:"video"`
}

func (f *Fal) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Key "+f.key)
	return h
}

func (f *Fal) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if len(req.ImageURLs) == 0 {
		return nil, apperr.Validation("fal dispatch needs at least one image")
	}

	body := falSubmitRequest{
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURLs[0],
		Duration:    strconv.Itoa(SnapDuration(req.DurationSeconds)),
		AspectRatio: falAspectRatio(req.Orientation),
	}
	if len(req.ImageURLs) > 1 {
		body.TailImageURL = req.ImageURLs[len(req.ImageURLs)-1]
	}

	submitURL := f.queueURL + "/" + f.model
	if req.CallbackURL != "" {
		submitURL += "?fal_webhook=" + url.QueryEscape(req.CallbackURL)
	}

	var resp falSubmitResponse
	if err := doJSON(ctx, f.client, http.MethodPost, submitURL, f.header(), body, &resp); err != nil {
		return nil, apperr.WrapWithCode(err, apperr.CodeProvider, "fal.dispatch", "fal rejected the request").
			WithField("job_id", req.JobID)
	}
	if resp.RequestID == "" {
		return nil, apperr.New(apperr.CodeProvider, "fal returned no request id").WithField("job_id", req.JobID)
	}

	requestBase := fmt.Sprintf("%s/%s/requests/%s", f.queueURL, f.model, resp.RequestID)
	statusURL := resp.StatusURL
	if statusURL == "" {
		statusURL = requestBase + "/status"
	}
	responseURL := resp.ResponseURL
	if responseURL == "" {
		responseURL = requestBase
	}

	requestID := resp.RequestID
	return NewResult(requestID, NameFal, f.model, func(ctx context.Context) (Output, error) {
		return pollOutput(ctx, "fal.output", f.pollInterval, f.outputTimeout, func(ctx context.Context) (Output, error) {
			return f.checkOutput(ctx, requestID, statusURL, responseURL)
		})
	}), nil
}

func (f *Fal) checkOutput(ctx context.Context, requestID, statusURL, responseURL string) (Output, error) {
	var st falStatusResponse
	if err := doJSON(ctx, f.client, http.MethodGet, statusURL, f.header(), nil, &st); err != nil {
		return Output{}, err
	}
	if st.Status != "COMPLETED" {
		return Output{}, errPending
	}

	var out falOutputResponse
	if err := doJSON(ctx, f.client, http.MethodGet, responseURL, f.header(), nil, &out); err != nil {
		return Output{}, err
	}
	if out.Video.URL == "" {
		return Output{}, apperr.New(apperr.CodeProvider, "fal completed without a video url").WithField("request_id", requestID)
	}
	return Output{
		URL: out.Video.URL,
		Metadata: map[string]any{
			"provider":    NameFal,
			"model":       f.model,
			"requestId":   requestID,
			"contentType": out.Video.ContentType,
			"fileSize":    out.Video.FileSize,
		},
	}, nil
}
