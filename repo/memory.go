package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"renderhub/apperr"
	"renderhub/task"
)

// Video is the in-memory row behind a VideoContext plus its render outcome.
type Video struct {
	ID              string
	ListingID       string
	Orientation     task.Orientation
	Status          string
	VideoURL        string
	ThumbnailURL    string
	DurationSeconds float64
	FileSizeBytes   int64
	Error           string
}

// Memory is a Store kept in process memory, used by tests and when no
// database is configured.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]*GenerationJob
	videos map[string]*Video
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*GenerationJob),
		videos: make(map[string]*Video),
	}
}

// PutGenerationJob inserts or replaces a job.
func (m *Memory) PutGenerationJob(job GenerationJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = JobPending
	}
	m.jobs[job.ID] = cloneJob(&job)
}

// PutVideo inserts or replaces a video.
func (m *Memory) PutVideo(v Video) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videos[v.ID] = &v
}

// Video returns a copy of the stored video.
func (m *Memory) Video(id string) (Video, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return Video{}, false
	}
	return *v, true
}

func (m *Memory) GetGenerationJob(_ context.Context, id string) (*GenerationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.NotFound("generation job", id)
	}
	return cloneJob(job), nil
}

func (m *Memory) FindJobByProviderRequest(_ context.Context, requestID string) (*GenerationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		if requestID != "" && job.ProviderRequestID == requestID {
			return cloneJob(job), nil
		}
	}
	return nil, apperr.NotFound("generation job for provider request", requestID)
}

func (m *Memory) MarkJobProcessing(_ context.Context, id, requestID, provider string, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return apperr.NotFound("generation job", id)
	}
	job.Status = JobProcessing
	job.ProviderRequestID = requestID
	job.Provider = provider
	job.GenerationSettings = mergeSettings(job.GenerationSettings, settings)
	job.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) MarkJobCompleted(_ context.Context, id, outputURL string, metadata map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status == JobCompleted || job.Status == JobFailed {
		return false, nil
	}
	job.Status = JobCompleted
	job.OutputURL = outputURL
	job.Error = ""
	job.GenerationSettings = mergeSettings(job.GenerationSettings, map[string]any{"output": metadata})
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) MarkJobFailed(_ context.Context, id, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status == JobCompleted || job.Status == JobFailed {
		return false, nil
	}
	job.Status = JobFailed
	job.Error = message
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) GetVideoContext(_ context.Context, videoID string) (*VideoContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[videoID]
	if !ok {
		return nil, apperr.NotFound("video", videoID)
	}

	var done []*GenerationJob
	for _, job := range m.jobs {
		if job.VideoID == videoID && job.Status == JobCompleted && job.OutputURL != "" {
			done = append(done, job)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Sequence < done[j].Sequence })

	vc := &VideoContext{VideoID: v.ID, ListingID: v.ListingID, Orientation: v.Orientation}
	for _, job := range done {
		vc.Clips = append(vc.Clips, task.Clip{SourceURL: job.OutputURL, DurationSeconds: job.DurationSeconds})
	}
	return vc, nil
}

func (m *Memory) MarkVideoRendered(_ context.Context, videoID string, result task.RenderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return apperr.NotFound("video", videoID)
	}
	v.Status = "completed"
	v.VideoURL = result.VideoURL
	v.ThumbnailURL = result.ThumbnailURL
	v.DurationSeconds = result.DurationSeconds
	v.FileSizeBytes = result.FileSizeBytes
	v.Error = ""
	return nil
}

func (m *Memory) MarkVideoRenderFailed(_ context.Context, videoID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return apperr.NotFound("video", videoID)
	}
	v.Status = "failed"
	v.Error = message
	return nil
}

func cloneJob(j *GenerationJob) *GenerationJob {
	c := *j
	c.ImageURLs = append([]string(nil), j.ImageURLs...)
	if j.GenerationSettings != nil {
		c.GenerationSettings = mergeSettings(j.GenerationSettings, nil)
	}
	return &c
}
