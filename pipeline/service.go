// Package pipeline ties the render queue, the provider orchestrator, the
// persistence layer and the outbound notifications into one job lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"renderhub/apperr"
	"renderhub/dispatch"
	"renderhub/logging"
	"renderhub/provider"
	"renderhub/repo"
	"renderhub/storage"
	"renderhub/task"
	"renderhub/webhook"
	"renderhub/webhookauth"

	"github.com/go-logr/logr"
)

// Notifier sends outbound job notifications.
type Notifier interface {
	Completed(ctx context.Context, kind webhook.Kind, jobID, videoID string, result webhook.Result) error
	Failed(ctx context.Context, kind webhook.Kind, jobID, videoID string, cause error) error
}

type Deps struct {
	Queue       *task.Manager
	Store       repo.Store
	Publisher   storage.Publisher
	Notifier    Notifier
	Primary     provider.Facade
	Fallback    provider.Facade
	CallbackURL string
	Log         logr.Logger
}

type Service struct {
	queue     *task.Manager
	store     repo.Store
	publisher storage.Publisher
	notifier  Notifier
	orch      *dispatch.Orchestrator
	log       logr.Logger

	// Persistence and notification run detached from the caller.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func New(d Deps) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		queue:     d.Queue,
		store:     d.Store,
		publisher: d.Publisher,
		notifier:  d.Notifier,
		log:       d.Log.WithName("pipeline"),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.orch = dispatch.New(d.Primary, d.Fallback, d.Store, s, d.CallbackURL, d.Log)
	return s
}

// Close stops output watchers and waits for in-flight side effects.
func (s *Service) Close() {
	s.orch.Close()
	s.bg.Wait()
	s.cancel()
}

// Wait blocks until output watchers and side effects have finished.
func (s *Service) Wait() {
	s.orch.Wait()
	s.bg.Wait()
}

func (s *Service) background(msg string, fn func(ctx context.Context) error, keysAndValues ...any) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		logging.BestEffort(s.log, msg, func() error { return fn(s.ctx) }, keysAndValues...)
	}()
}

// StartRender queues a render of every completed clip of the video.
func (s *Service) StartRender(ctx context.Context, videoID string) (string, error) {
	if videoID == "" {
		return "", apperr.Validation("videoId is required")
	}
	vc, err := s.store.GetVideoContext(ctx, videoID)
	if err != nil {
		return "", err
	}
	if len(vc.Clips) == 0 {
		return "", apperr.Validation("video has no completed clips").WithField("video_id", videoID)
	}

	data := task.JobData{
		Clips:       vc.Clips,
		Orientation: vc.Orientation,
		VideoID:     vc.VideoID,
		ListingID:   vc.ListingID,
	}
	jobID := task.NewJobID()
	return s.queue.CreateJob(data, s.renderCallbacks(jobID), jobID), nil
}

func (s *Service) renderCallbacks(jobID string) task.Callbacks {
	log := s.log.WithValues("job_id", jobID)
	return task.Callbacks{
		OnStart: func(data task.JobData) {
			log.Info("Render started", "video_id", data.VideoID, "clips", len(data.Clips))
		},
		OnProgress: func(percent float64, data task.JobData) {
			log.V(1).Info("Render progress", "video_id", data.VideoID, "percent", percent)
		},
		OnComplete: func(ctx context.Context, result task.RenderResult, data task.JobData) (*task.RenderResult, error) {
			return s.publish(ctx, jobID, result, data)
		},
		OnSettled: func(job task.Job, data task.JobData) {
			if job.Status != task.StatusCompleted {
				return
			}
			final := task.RenderResult{
				VideoURL:        job.VideoURL,
				ThumbnailURL:    job.ThumbnailURL,
				DurationSeconds: job.DurationSeconds,
				FileSizeBytes:   job.FileSizeBytes,
			}
			s.background("Failed to report render completion", func(ctx context.Context) error {
				if err := s.store.MarkVideoRendered(ctx, data.VideoID, final); err != nil {
					return err
				}
				return s.notifier.Completed(ctx, webhook.KindRender, jobID, data.VideoID, webhook.Result{
					VideoURL:        final.VideoURL,
					ThumbnailURL:    final.ThumbnailURL,
					DurationSeconds: final.DurationSeconds,
					FileSizeBytes:   final.FileSizeBytes,
				})
			}, "job_id", jobID, "video_id", data.VideoID)
		},
		OnError: func(cause error, data task.JobData) {
			s.background("Failed to report render failure", func(ctx context.Context) error {
				if err := s.store.MarkVideoRenderFailed(ctx, data.VideoID, cause.Error()); err != nil {
					return err
				}
				return s.notifier.Failed(ctx, webhook.KindRender, jobID, data.VideoID, cause)
			}, "job_id", jobID, "video_id", data.VideoID)
		},
	}
}

// publish uploads the rendered video and thumbnail and returns their URLs.
func (s *Service) publish(ctx context.Context, jobID string, result task.RenderResult, data task.JobData) (*task.RenderResult, error) {
	prefix := fmt.Sprintf("renders/%s/%s", data.VideoID, jobID)

	videoURL, err := s.publisher.Publish(ctx, result.VideoURL, prefix+filepath.Ext(result.VideoURL), "video/mp4")
	if err != nil {
		return nil, apperr.Wrap(err, "pipeline.publish", "failed to publish video")
	}
	hosted := &task.RenderResult{VideoURL: videoURL}

	if result.ThumbnailURL != "" {
		thumbURL, err := s.publisher.Publish(ctx, result.ThumbnailURL, prefix+filepath.Ext(result.ThumbnailURL), "image/jpeg")
		if err != nil {
			return nil, apperr.Wrap(err, "pipeline.publish", "failed to publish thumbnail")
		}
		hosted.ThumbnailURL = thumbURL
	}
	return hosted, nil
}

// DispatchGeneration submits a persisted generation job to the providers.
func (s *Service) DispatchGeneration(ctx context.Context, jobID string) (*provider.Result, error) {
	job, err := s.store.GetGenerationJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == repo.JobCompleted || job.Status == repo.JobFailed {
		return nil, apperr.Newf(apperr.CodeConflict, "generation job %s is already %s", jobID, job.Status)
	}
	return s.orch.DispatchJob(ctx, job)
}

// OnOutputReady records a finished generation and notifies the parent if
// this call is the one that finished it.
func (s *Service) OnOutputReady(ctx context.Context, job repo.GenerationJob, url string, metadata map[string]any) error {
	changed, err := s.store.MarkJobCompleted(ctx, job.ID, url, metadata)
	if err != nil {
		return err
	}
	if !changed {
		s.log.Info("Generation job already finished, skipping notification", "job_id", job.ID)
		return nil
	}
	s.log.Info("Generation job completed", "job_id", job.ID, "output_url", url)
	return s.notifier.Completed(ctx, webhook.KindGeneration, job.ID, job.VideoID, webhook.Result{
		VideoURL: url,
		Metadata: metadata,
	})
}

// OnOutputFailure records a failed generation and notifies the parent if
// this call is the one that finished it.
func (s *Service) OnOutputFailure(ctx context.Context, jobID, message string) error {
	changed, err := s.store.MarkJobFailed(ctx, jobID, message)
	if err != nil {
		return err
	}
	if !changed {
		s.log.Info("Generation job already finished, skipping notification", "job_id", jobID)
		return nil
	}
	s.log.Info("Generation job failed", "job_id", jobID, "error", message)

	var videoID string
	if job, err := s.store.GetGenerationJob(ctx, jobID); err == nil {
		videoID = job.VideoID
	}
	return s.notifier.Failed(ctx, webhook.KindGeneration, jobID, videoID, apperr.New(apperr.CodeProvider, message))
}

// HandleFalCallback routes a verified fal callback to the job it belongs to.
func (s *Service) HandleFalCallback(ctx context.Context, cb webhookauth.FalCallback) error {
	job, err := s.store.FindJobByProviderRequest(ctx, cb.RequestID)
	if err != nil {
		return err
	}
	if !cb.Succeeded() {
		return s.OnOutputFailure(ctx, job.ID, cb.FailureMessage())
	}
	url := cb.VideoURL()
	if url == "" {
		return s.OnOutputFailure(ctx, job.ID, "fal callback carried no video url")
	}
	metadata := cb.Metadata()
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["provider"] = provider.NameFal
	metadata["requestId"] = cb.RequestID
	metadata["source"] = "webhook"
	return s.OnOutputReady(ctx, *job, url, metadata)
}
