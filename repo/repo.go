// Package repo persists generation jobs and videos owned by the parent
// application. Only the columns this service reads or writes are modelled.
package repo

import (
	"context"
	"time"

	"renderhub/task"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// GenerationJob is one AI-generated clip of a video.
type GenerationJob struct {
	ID                 string
	VideoID            string
	Sequence           int
	Status             JobStatus
	ImageURLs          []string
	Prompt             string
	Orientation        task.Orientation
	DurationSeconds    float64
	ProviderRequestID  string
	Provider           string
	GenerationSettings map[string]any
	OutputURL          string
	Error              string
	UpdatedAt          time.Time
}

// VideoContext is what a render needs to know about a video.
type VideoContext struct {
	VideoID     string
	ListingID   string
	Orientation task.Orientation
	Clips       []task.Clip
}

// Store is the persistence collaborator of the orchestration paths.
// MarkJobCompleted and MarkJobFailed only touch jobs that are not terminal
// yet and report whether they did.
type Store interface {
	GetGenerationJob(ctx context.Context, id string) (*GenerationJob, error)
	FindJobByProviderRequest(ctx context.Context, requestID string) (*GenerationJob, error)
	MarkJobProcessing(ctx context.Context, id, requestID, provider string, settings map[string]any) error
	MarkJobCompleted(ctx context.Context, id, outputURL string, metadata map[string]any) (bool, error)
	MarkJobFailed(ctx context.Context, id, message string) (bool, error)

	GetVideoContext(ctx context.Context, videoID string) (*VideoContext, error)
	MarkVideoRendered(ctx context.Context, videoID string, result task.RenderResult) error
	MarkVideoRenderFailed(ctx context.Context, videoID, message string) error
}

func mergeSettings(prior, next map[string]any) map[string]any {
	merged := make(map[string]any, len(prior)+len(next))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}
