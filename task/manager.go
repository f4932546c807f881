package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"renderhub/config"
	"renderhub/logging"

	"github.com/go-logr/logr"
)

const defaultFailureMessage = "render failed"

// Manager is the render queue. Each job runs in its own goroutine; the
// store is the only channel through which that goroutine reports back.
type Manager struct {
	cfg            *config.Config
	store          *Store
	renderer       Renderer
	log            logr.Logger
	concurrencySem chan struct{}

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run is the bookkeeping of one scheduled job goroutine.
type run struct {
	id     string
	gen    uint64
	cancel context.CancelFunc
}

func NewManager(cfg *config.Config, renderer Renderer, log logr.Logger) (*Manager, error) {
	if renderer == nil {
		return nil, errors.New("render queue requires a renderer")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	return &Manager{
		cfg:            cfg,
		store:          NewStore(),
		renderer:       renderer,
		log:            log.WithName("render-queue"),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
		runs:           make(map[string]*run),
	}, nil
}

// Start launches the retention loop. Jobs run whether or not Start was called.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("Render queue started", "concurrency", m.cfg.MaxConcurrency, "retention", m.cfg.JobRetention.String())
	if m.cfg.JobRetention > 0 {
		go m.cleanupLoop(ctx)
	}
}

// CreateJob stores the job as queued and schedules the render without
// blocking the caller.
func (m *Manager) CreateJob(data JobData, cb Callbacks, id string) string {
	id, gen := m.store.create(data, id)

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: id, gen: gen, cancel: cancel}
	m.mu.Lock()
	if prev, ok := m.runs[id]; ok {
		prev.cancel()
	}
	m.runs[id] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go m.process(ctx, r, data, cb)
	m.log.Info("Render job queued", "job_id", id, "video_id", data.VideoID, "clips", len(data.Clips))
	return id
}

func (m *Manager) GetJob(id string) (Job, bool) {
	return m.store.Get(id)
}

func (m *Manager) ListJobs() []Job {
	return m.store.List()
}

// CancelJob marks a queued or in-progress job cancelled and signals its
// context. It returns false for unknown ids and terminal jobs.
func (m *Manager) CancelJob(id string) bool {
	if _, err := m.store.Transition(id, StatusCancelled, nil); err != nil {
		return false
	}
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if ok {
		r.cancel()
	}
	m.log.Info("Render job cancelled", "job_id", id)
	return true
}

// Wait blocks until every scheduled job goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) process(ctx context.Context, r *run, data JobData, cb Callbacks) {
	defer m.wg.Done()
	defer m.forget(r)
	id := r.id

	select {
	case m.concurrencySem <- struct{}{}:
	case <-ctx.Done():
		m.log.Info("Render job cancelled before processing", "job_id", id)
		return
	}
	defer func() { <-m.concurrencySem }()

	if _, err := m.store.transition(id, r.gen, StatusInProgress, nil); err != nil {
		m.log.Info("Render job no longer queued, skipping", "job_id", id, "reason", err.Error())
		return
	}

	if cb.OnStart != nil {
		go logging.BestEffort(m.log, "onStart callback failed", func() error {
			cb.OnStart(data)
			return nil
		}, "job_id", id)
	}

	renderCtx := ctx
	if m.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, m.cfg.FFTimeout)
		defer cancel()
	}

	result, err := m.render(renderCtx, data, m.progressFunc(r, data, cb))
	if err == nil && cb.OnComplete != nil {
		result, err = m.postProcess(renderCtx, r, data, cb, result)
	}
	if err != nil {
		m.fail(r, data, cb, err)
		return
	}
	m.complete(r, data, cb, result)
}

func (m *Manager) render(ctx context.Context, data JobData, onProgress ProgressFunc) (result *RenderResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderer panicked: %v", r)
		}
	}()
	result, err = m.renderer.Render(ctx, data, onProgress)
	if err == nil && result == nil {
		err = errors.New("renderer returned no result")
	}
	return result, err
}

func (m *Manager) progressFunc(r *run, data JobData, cb Callbacks) ProgressFunc {
	id := r.id
	return func(percent float64) {
		m.store.update(id, r.gen, func(j *Job) {
			if j.Status == StatusInProgress {
				j.Progress = percent
			}
		})
		if cb.OnProgress != nil {
			logging.BestEffort(m.log, "onProgress callback failed", func() error {
				cb.OnProgress(percent, data)
				return nil
			}, "job_id", id)
		}
	}
}

// postProcess runs OnComplete before completion becomes visible and merges
// the fields it returns over the renderer's result.
func (m *Manager) postProcess(ctx context.Context, r *run, data JobData, cb Callbacks, raw *RenderResult) (result *RenderResult, err error) {
	if job, ok := m.store.Get(r.id); !ok || job.gen != r.gen || job.Status != StatusInProgress {
		// Cancelled meanwhile; completion will be dropped, skip the side effects.
		return raw, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("onComplete panicked: %v", r)
		}
	}()
	extra, err := cb.OnComplete(ctx, *raw, data)
	if err != nil {
		return nil, err
	}

	merged := *raw
	if extra != nil {
		if extra.VideoURL != "" {
			merged.VideoURL = extra.VideoURL
		}
		if extra.ThumbnailURL != "" {
			merged.ThumbnailURL = extra.ThumbnailURL
		}
		if extra.DurationSeconds > 0 {
			merged.DurationSeconds = extra.DurationSeconds
		}
		if extra.FileSizeBytes > 0 {
			merged.FileSizeBytes = extra.FileSizeBytes
		}
		merged.LocalFiles = append(merged.LocalFiles, extra.LocalFiles...)
	}
	return &merged, nil
}

func (m *Manager) complete(r *run, data JobData, cb Callbacks, result *RenderResult) {
	id := r.id
	job, err := m.store.transition(id, r.gen, StatusCompleted, func(j *Job) {
		j.VideoURL = result.VideoURL
		j.ThumbnailURL = result.ThumbnailURL
		j.DurationSeconds = result.DurationSeconds
		j.FileSizeBytes = result.FileSizeBytes
		j.Progress = 100
		j.localFiles = result.LocalFiles
	})
	if err != nil {
		m.log.Info("Dropping late render result", "job_id", id, "reason", err.Error())
		for _, f := range result.LocalFiles {
			os.Remove(f)
		}
		return
	}
	m.log.Info("Render job completed", "job_id", id, "video_url", result.VideoURL)
	m.settled(job, data, cb)
}

func (m *Manager) fail(r *run, data JobData, cb Callbacks, cause error) {
	id := r.id
	msg := cause.Error()
	if msg == "" {
		msg = defaultFailureMessage
	}
	job, err := m.store.transition(id, r.gen, StatusFailed, func(j *Job) {
		j.Error = msg
	})
	if err != nil {
		m.log.Info("Dropping late render failure", "job_id", id, "reason", err.Error(), "cause", msg)
		return
	}
	m.log.Error(cause, "Render job failed", "job_id", id)

	if cb.OnError != nil {
		logging.BestEffort(m.log, "onError callback failed", func() error {
			cb.OnError(cause, data)
			return nil
		}, "job_id", id)
	}
	m.settled(job, data, cb)
}

// settled runs OnSettled for a job that was just committed as completed or failed.
func (m *Manager) settled(job Job, data JobData, cb Callbacks) {
	if cb.OnSettled == nil {
		return
	}
	logging.BestEffort(m.log, "onSettled callback failed", func() error {
		cb.OnSettled(job, data)
		return nil
	}, "job_id", job.ID)
}

func (m *Manager) forget(r *run) {
	r.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	// A newer job may have reused the id.
	if m.runs[r.id] == r {
		delete(m.runs, r.id)
	}
}

// cleanupLoop evicts terminal jobs once they outlive the retention window.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.JobRetention / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Cleanup loop shutting down")
			return
		case <-ticker.C:
			if n := m.store.Evict(m.cfg.JobRetention); n > 0 {
				m.log.Info("Evicted finished render jobs", "count", n)
			}
		}
	}
}
