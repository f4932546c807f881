package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"renderhub/apperr"
	"renderhub/task"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Postgres implements Store on the parent application's tables.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const generationJobColumns = `
id, video_id, sequence, status, image_urls, COALESCE(prompt, ''), COALESCE(orientation, ''),
COALESCE(duration_seconds, 0), COALESCE(provider_request_id, ''), COALESCE(provider, ''),
COALESCE(generation_settings, '{}'::jsonb), COALESCE(output_url, ''), COALESCE(error, ''), updated_at`

func scanGenerationJob(row pgx.Row) (*GenerationJob, error) {
	var (
		job      GenerationJob
		settings []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.VideoID,
		&job.Sequence,
		&job.Status,
		&job.ImageURLs,
		&job.Prompt,
		&job.Orientation,
		&job.DurationSeconds,
		&job.ProviderRequestID,
		&job.Provider,
		&settings,
		&job.OutputURL,
		&job.Error,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &job.GenerationSettings); err != nil {
		return nil, fmt.Errorf("decode generation_settings: %w", err)
	}
	return &job, nil
}

func (p *Postgres) GetGenerationJob(ctx context.Context, id string) (*GenerationJob, error) {
	query := `SELECT ` + generationJobColumns + ` FROM generation_jobs WHERE id = $1;`
	job, err := scanGenerationJob(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("generation job", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "repo.GetGenerationJob", "failed to load generation job")
	}
	return job, nil
}

func (p *Postgres) FindJobByProviderRequest(ctx context.Context, requestID string) (*GenerationJob, error) {
	query := `SELECT ` + generationJobColumns + ` FROM generation_jobs WHERE provider_request_id = $1 LIMIT 1;`
	job, err := scanGenerationJob(p.pool.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("generation job for provider request", requestID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "repo.FindJobByProviderRequest", "failed to look up generation job")
	}
	return job, nil
}

// MarkJobProcessing records the provider tracking id and merges settings
// over whatever the job already carried.
func (p *Postgres) MarkJobProcessing(ctx context.Context, id, requestID, provider string, settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return apperr.Wrap(err, "repo.MarkJobProcessing", "failed to encode settings")
	}
	query := `
UPDATE generation_jobs
SET status = 'processing',
    provider_request_id = $2,
    provider = $3,
    generation_settings = COALESCE(generation_settings, '{}'::jsonb) || $4::jsonb,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := p.pool.Exec(ctx, query, id, requestID, provider, raw)
	if err != nil {
		return apperr.Wrap(err, "repo.MarkJobProcessing", "failed to mark job processing")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("generation job", id)
	}
	return nil
}

func (p *Postgres) MarkJobCompleted(ctx context.Context, id, outputURL string, metadata map[string]any) (bool, error) {
	raw, err := json.Marshal(map[string]any{"output": metadata})
	if err != nil {
		return false, apperr.Wrap(err, "repo.MarkJobCompleted", "failed to encode metadata")
	}
	query := `
UPDATE generation_jobs
SET status = 'completed',
    output_url = $2,
    error = NULL,
    generation_settings = COALESCE(generation_settings, '{}'::jsonb) || $3::jsonb,
    updated_at = NOW()
WHERE id = $1 AND status NOT IN ('completed', 'failed');
`
	tag, err := p.pool.Exec(ctx, query, id, outputURL, raw)
	if err != nil {
		return false, apperr.Wrap(err, "repo.MarkJobCompleted", "failed to mark job completed")
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) MarkJobFailed(ctx context.Context, id, message string) (bool, error) {
	query := `
UPDATE generation_jobs
SET status = 'failed',
    error = $2,
    updated_at = NOW()
WHERE id = $1 AND status NOT IN ('completed', 'failed');
`
	tag, err := p.pool.Exec(ctx, query, id, message)
	if err != nil {
		return false, apperr.Wrap(err, "repo.MarkJobFailed", "failed to mark job failed")
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetVideoContext(ctx context.Context, videoID string) (*VideoContext, error) {
	vc := VideoContext{VideoID: videoID}
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(listing_id, ''), COALESCE(orientation, '') FROM videos WHERE id = $1;`,
		videoID,
	).Scan(&vc.ListingID, &vc.Orientation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("video", videoID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "repo.GetVideoContext", "failed to load video")
	}

	rows, err := p.pool.Query(ctx, `
SELECT output_url, COALESCE(duration_seconds, 0)
FROM generation_jobs
WHERE video_id = $1 AND status = 'completed' AND output_url IS NOT NULL
ORDER BY sequence, updated_at;
`, videoID)
	if err != nil {
		return nil, apperr.Wrap(err, "repo.GetVideoContext", "failed to load clips")
	}
	clips, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (task.Clip, error) {
		var c task.Clip
		err := row.Scan(&c.SourceURL, &c.DurationSeconds)
		return c, err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "repo.GetVideoContext", "failed to scan clips")
	}
	vc.Clips = clips
	return &vc, nil
}

func (p *Postgres) MarkVideoRendered(ctx context.Context, videoID string, result task.RenderResult) error {
	query := `
UPDATE videos
SET status = 'completed',
    video_url = $2,
    thumbnail_url = $3,
    duration_seconds = $4,
    file_size_bytes = $5,
    error = NULL,
    rendered_at = NOW(),
    updated_at = NOW()
WHERE id = $1;
`
	_, err := p.pool.Exec(ctx, query, videoID, result.VideoURL, result.ThumbnailURL, result.DurationSeconds, result.FileSizeBytes)
	if err != nil {
		return apperr.Wrap(err, "repo.MarkVideoRendered", "failed to record render")
	}
	return nil
}

func (p *Postgres) MarkVideoRenderFailed(ctx context.Context, videoID, message string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE videos SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1;`,
		videoID, message,
	)
	if err != nil {
		return apperr.Wrap(err, "repo.MarkVideoRenderFailed", "failed to record render failure")
	}
	return nil
}
