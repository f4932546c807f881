package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() JobData {
	return JobData{
		Clips: []Clip{
			{SourceURL: "https://cdn.example.com/clip-1.mp4", DurationSeconds: 2},
			{SourceURL: "https://cdn.example.com/clip-2.mp4", DurationSeconds: 3},
		},
		Orientation: OrientationLandscape,
		VideoID:     "video-1",
		ListingID:   "listing-1",
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore()

	id := s.Create(sampleData(), "")
	require.NotEmpty(t, id)

	job, found := s.Get(id)
	require.True(t, found)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 5.0, job.Data.TotalDuration())
	assert.False(t, job.CreatedAt.IsZero())

	explicit := s.Create(sampleData(), "render-42")
	assert.Equal(t, "render-42", explicit)

	_, found = s.Get("missing")
	assert.False(t, found)
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	id := s.Create(sampleData(), "")

	job, _ := s.Get(id)
	job.Data.Clips[0].SourceURL = "mutated"
	job.Status = StatusCompleted

	again, _ := s.Get(id)
	assert.Equal(t, "https://cdn.example.com/clip-1.mp4", again.Data.Clips[0].SourceURL)
	assert.Equal(t, StatusQueued, again.Status)
}

func TestStore_Update(t *testing.T) {
	s := NewStore()
	id := s.Create(sampleData(), "")

	job, ok := s.Update(id, func(j *Job) {
		j.Progress = 40
		j.Status = StatusCompleted // ignored, status only moves through Transition
	})
	require.True(t, ok)
	assert.Equal(t, 40.0, job.Progress)
	assert.Equal(t, StatusQueued, job.Status)

	_, ok = s.Update("missing", func(j *Job) { j.Progress = 1 })
	assert.False(t, ok)
}

func TestStore_Transition(t *testing.T) {
	tests := []struct {
		name  string
		path  []Status
		final Status
		ok    bool
	}{
		{name: "queued to in-progress", path: nil, final: StatusInProgress, ok: true},
		{name: "queued to cancelled", path: nil, final: StatusCancelled, ok: true},
		{name: "queued cannot complete", path: nil, final: StatusCompleted, ok: false},
		{name: "in-progress to completed", path: []Status{StatusInProgress}, final: StatusCompleted, ok: true},
		{name: "in-progress to failed", path: []Status{StatusInProgress}, final: StatusFailed, ok: true},
		{name: "in-progress to cancelled", path: []Status{StatusInProgress}, final: StatusCancelled, ok: true},
		{name: "completed is terminal", path: []Status{StatusInProgress, StatusCompleted}, final: StatusFailed, ok: false},
		{name: "cancelled is terminal", path: []Status{StatusCancelled}, final: StatusCompleted, ok: false},
		{name: "failed cannot go back", path: []Status{StatusInProgress, StatusFailed}, final: StatusInProgress, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			id := s.Create(sampleData(), "")
			for _, st := range tt.path {
				_, err := s.Transition(id, st, nil)
				require.NoError(t, err)
			}
			before, _ := s.Get(id)

			job, err := s.Transition(id, tt.final, nil)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.final, job.Status)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			after, _ := s.Get(id)
			assert.Equal(t, before.Status, after.Status)
		})
	}

	_, err := NewStore().Transition("missing", StatusCancelled, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Evict(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	file := filepath.Join(t.TempDir(), "render.mp4")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	done := s.Create(sampleData(), "done")
	s.Transition(done, StatusInProgress, nil)
	s.Transition(done, StatusCompleted, func(j *Job) { j.localFiles = []string{file} })
	running := s.Create(sampleData(), "running")
	s.Transition(running, StatusInProgress, nil)

	assert.Equal(t, 0, s.Evict(time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, s.Evict(time.Hour))

	_, found := s.Get(done)
	assert.False(t, found)
	_, found = s.Get(running)
	assert.True(t, found)
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	id := s.Create(sampleData(), "")
	assert.True(t, s.Remove(id))
	assert.False(t, s.Remove(id))
	assert.Empty(t, s.List())
}
