package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PublishAndPath(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "job_output.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video"), 0o644))

	l, err := NewLocal(filepath.Join(t.TempDir(), "public"), "https://hub.example.com/")
	require.NoError(t, err)

	url, err := l.Publish(context.Background(), src, "renders/video-1/job-1.mp4", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com/api/v1/files/renders_video-1_job-1.mp4", url)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source is moved, not copied")

	p, err := l.Path("renders_video-1_job-1.mp4")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestLocal_PathRejectsTraversal(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "")
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../etc/passwd", "a/b", "missing.mp4"} {
		_, err := l.Path(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestLocal_RelativeURLWithoutBase(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "")
	require.NoError(t, err)

	src := filepath.Join(dir, "thumb.jpg")
	require.NoError(t, os.WriteFile(src, []byte("jpg"), 0o644))

	url, err := l.Publish(context.Background(), src, "thumb.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/files/thumb.jpg", url)

	_, err = l.Publish(context.Background(), src, "/", "image/jpeg")
	assert.Error(t, err)
}

func TestMinio_ObjectURL(t *testing.T) {
	m, err := NewMinio("minio.local:9000", "ak", "sk", false, "renders", "")
	require.NoError(t, err)
	assert.Equal(t, "http://minio.local:9000/renders/video-1/job-1.mp4", m.ObjectURL("video-1/job-1.mp4"))

	m, err = NewMinio("minio.local:9000", "ak", "sk", true, "renders", "https://cdn.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/renders/a.jpg", m.ObjectURL("/a.jpg"))
}

func TestLocal_Sweep(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "")
	require.NoError(t, err)

	old := filepath.Join(dir, "old.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")
	require.NoError(t, os.WriteFile(old, []byte("o"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("f"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	assert.Equal(t, 1, l.Sweep(time.Hour))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}
