package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Local keeps published files in a directory served by GET /api/v1/files.
type Local struct {
	dir     string
	baseURL string
}

func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	return &Local{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (l *Local) Dir() string {
	return l.dir
}

// fileName flattens an object key into a single path element.
func fileName(objectKey string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(strings.Trim(objectKey, "/"))
}

// Publish moves the file into the served directory. The URL is relative
// when no base URL is configured.
func (l *Local) Publish(_ context.Context, localPath, objectKey, _ string) (string, error) {
	name := fileName(objectKey)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid object key %q", objectKey)
	}
	dst := filepath.Join(l.dir, name)

	if filepath.Clean(localPath) != dst {
		if err := moveFile(localPath, dst); err != nil {
			return "", fmt.Errorf("publish %s: %w", objectKey, err)
		}
	}
	return fmt.Sprintf("%s/api/v1/files/%s", l.baseURL, name), nil
}

// Path resolves a served file name, refusing anything outside the directory.
func (l *Local) Path(filename string) (string, error) {
	if filename == "" || filepath.Base(filename) != filename || filename == "." || filename == ".." {
		return "", errors.New("invalid file name")
	}
	p := filepath.Join(l.dir, filename)
	if _, err := os.Stat(p); err != nil {
		return "", errors.New("file not found")
	}
	return p, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device: copy then remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Sweep removes published files older than maxAge and returns how many.
func (l *Local) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(l.dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

// CleanupLoop sweeps the directory every lifetime/4 until ctx is done.
func (l *Local) CleanupLoop(ctx context.Context, lifetime time.Duration, log logr.Logger) {
	if lifetime <= 0 {
		return
	}
	ticker := time.NewTicker(lifetime / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(lifetime); n > 0 {
				log.Info("Removed expired published files", "count", n, "dir", l.dir)
			}
		}
	}
}
