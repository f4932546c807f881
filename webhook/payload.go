package webhook

type Kind string

const (
	KindGeneration Kind = "generation"
	KindRender     Kind = "render"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Payload is the body of an outbound notification.
type Payload struct {
	JobID     string     `json:"jobId"`
	VideoID   string     `json:"videoId,omitempty"`
	Kind      Kind       `json:"kind"`
	Status    string     `json:"status"`
	Timestamp string     `json:"timestamp"`
	Result    *Result    `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

type Result struct {
	VideoURL        string         `json:"videoUrl,omitempty"`
	ThumbnailURL    string         `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64        `json:"durationSeconds,omitempty"`
	FileSizeBytes   int64          `json:"fileSizeBytes,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type ErrorInfo struct {
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}
