package task

import (
	"context"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the job state machine:
// queued -> in-progress -> completed|failed, and queued|in-progress -> cancelled.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

type Orientation string

const (
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
	OrientationSquare    Orientation = "square"
)

// Clip is one media segment of a render, in playback order.
type Clip struct {
	SourceURL       string  `json:"sourceUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// JobData is the provider-agnostic description of a render.
type JobData struct {
	Clips       []Clip      `json:"clips"`
	Orientation Orientation `json:"orientation"`
	VideoID     string      `json:"videoId"`
	ListingID   string      `json:"listingId,omitempty"`
}

// TotalDuration sums the clip durations.
func (d JobData) TotalDuration() float64 {
	var total float64
	for _, c := range d.Clips {
		total += c.DurationSeconds
	}
	return total
}

type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Data            JobData   `json:"data"`
	Progress        float64   `json:"progress"`
	VideoURL        string    `json:"videoUrl,omitempty"`
	ThumbnailURL    string    `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	FileSizeBytes   int64     `json:"fileSizeBytes,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
	// Local files produced by the renderer, removed on eviction.
	localFiles []string
	gen        uint64
}

// RenderResult is what a Renderer reports for a finished render.
type RenderResult struct {
	VideoURL        string  `json:"videoUrl"`
	ThumbnailURL    string  `json:"thumbnailUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	FileSizeBytes   int64   `json:"fileSizeBytes"`
	// LocalFiles lists scratch files the queue may delete once the job ages out.
	LocalFiles []string `json:"-"`
}

// ProgressFunc receives advisory completion percentages in [0, 100].
type ProgressFunc func(percent float64)

// Renderer is the opaque video composition capability.
type Renderer interface {
	Render(ctx context.Context, data JobData, onProgress ProgressFunc) (*RenderResult, error)
}

// Callbacks are the optional lifecycle hooks of a render job. Any of them may
// be nil.
type Callbacks struct {
	OnStart    func(data JobData)
	OnProgress func(percent float64, data JobData)
	// OnComplete runs before the job is marked completed. Non-empty fields of
	// the returned result replace the renderer's values; an error fails the job.
	OnComplete func(ctx context.Context, result RenderResult, data JobData) (*RenderResult, error)
	OnError    func(err error, data JobData)
	// OnSettled runs once the job has been committed as completed or failed,
	// never for a job whose result was dropped because it was cancelled.
	OnSettled  func(job Job, data JobData)
}
