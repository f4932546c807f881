package logging

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(lines *[]string) logr.Logger {
	return funcr.New(func(prefix, args string) {
		*lines = append(*lines, args)
	}, funcr.Options{})
}

func TestBestEffort(t *testing.T) {
	t.Run("logs returned error with context", func(t *testing.T) {
		var lines []string
		BestEffort(captureLogger(&lines), "notify failed", func() error {
			return errors.New("connection refused")
		}, "job_id", "job-1")

		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "notify failed")
		assert.Contains(t, lines[0], "connection refused")
		assert.Contains(t, lines[0], "job-1")
	})

	t.Run("recovers panics", func(t *testing.T) {
		var lines []string
		assert.NotPanics(t, func() {
			BestEffort(captureLogger(&lines), "callback panicked", func() error {
				panic("nil map")
			}, "job_id", "job-2")
		})
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "nil map")
	})

	t.Run("silent on success", func(t *testing.T) {
		var lines []string
		BestEffort(captureLogger(&lines), "unused", func() error { return nil })
		assert.Empty(t, lines)
	})
}

func TestNew(t *testing.T) {
	_, err := New("info", false)
	assert.NoError(t, err)

	_, err = New("verbose", false)
	assert.Error(t, err)
}
