// Package ffmpeg renders a slideshow of clips into a single video.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"renderhub/config"
	"renderhub/task"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const outputFPS = 30

// Runner implements task.Renderer on top of the ffmpeg binary.
type Runner struct {
	cfg       *config.Config
	tempDir   string
	extraArgs []string
	client    *http.Client
	log       logr.Logger
	// Overridable in tests.
	checkResources func() error
}

func NewRunner(cfg *config.Config, log logr.Logger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	extra, err := ParseExtraArgs(cfg.FFExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir, err = os.MkdirTemp("", "renderhub_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		cfg.TempDir = tempDir
	} else if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}

	r := &Runner{
		cfg:       cfg,
		tempDir:   tempDir,
		extraArgs: extra,
		client:    &http.Client{},
		log:       log.WithName("ffmpeg"),
	}
	r.checkResources = r.hostResources
	r.log.Info("Using temporary directory", "dir", tempDir)
	return r, nil
}

func (r *Runner) TempDir() string {
	return r.tempDir
}

// Render downloads every clip, concatenates them at the orientation's frame
// size and extracts a thumbnail. The returned paths are local files owned by
// the caller.
func (r *Runner) Render(ctx context.Context, data task.JobData, onProgress task.ProgressFunc) (*task.RenderResult, error) {
	if len(data.Clips) == 0 {
		return nil, errors.New("render has no clips")
	}
	if err := r.checkResources(); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	workDir, err := os.MkdirTemp(r.tempDir, "work_*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	inputs := make([]string, len(data.Clips))
	for i, clip := range data.Clips {
		p, err := r.prepareInput(ctx, clip.SourceURL, filepath.Join(workDir, fmt.Sprintf("clip_%02d", i)))
		if err != nil {
			return nil, fmt.Errorf("failed to prepare clip %d: %w", i, err)
		}
		inputs[i] = p
	}

	output, err := reserveFile(r.tempDir, fmt.Sprintf("render_%s_*.mp4", safeName(data.VideoID)))
	if err != nil {
		return nil, err
	}
	thumb := strings.TrimSuffix(output, ".mp4") + ".jpg"
	cleanup := func() {
		os.Remove(output)
		os.Remove(thumb)
	}

	total := data.TotalDuration()
	args := BuildRenderArgs(inputs, data, r.extraArgs, output)
	if err := r.run(ctx, args, total, onProgress); err != nil {
		cleanup()
		return nil, err
	}

	if err := r.run(ctx, BuildThumbnailArgs(output, total, thumb), 0, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("thumbnail extraction failed: %w", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		cleanup()
		return nil, err
	}
	if onProgress != nil {
		onProgress(100)
	}

	return &task.RenderResult{
		VideoURL:        output,
		ThumbnailURL:    thumb,
		DurationSeconds: total,
		FileSizeBytes:   info.Size(),
		LocalFiles:      []string{output, thumb},
	}, nil
}

func (r *Runner) run(ctx context.Context, args []string, total float64, onProgress task.ProgressFunc) error {
	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	r.log.V(1).Info("Executing", "cmd", cmd.Path, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start failed: %w", err)
	}
	readProgress(stdout, total, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg execution failed: %w: %s", err, tail(stderr.String(), 512))
	}
	return nil
}

func dimensions(o task.Orientation) (int, int) {
	switch o {
	case task.OrientationPortrait:
		return 1080, 1920
	case task.OrientationSquare:
		return 1080, 1080
	default:
		return 1920, 1080
	}
}

// BuildFilterGraph scales, pads and trims every input, then concatenates
// them into [outv].
func BuildFilterGraph(data task.JobData) string {
	w, h := dimensions(data.Orientation)
	var b strings.Builder
	for i, clip := range data.Clips {
		fmt.Fprintf(&b, "[%d:v]", i)
		if clip.DurationSeconds > 0 {
			fmt.Fprintf(&b, "trim=duration=%s,setpts=PTS-STARTPTS,", formatSeconds(clip.DurationSeconds))
		}
		fmt.Fprintf(&b, "scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p[v%d];", w, h, w, h, outputFPS, i)
	}
	for i := range data.Clips {
		fmt.Fprintf(&b, "[v%d]", i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[outv]", len(data.Clips))
	return b.String()
}

// BuildRenderArgs assembles the full ffmpeg argument list. Extra args come
// after the codec defaults so an operator can override them.
func BuildRenderArgs(inputs []string, data task.JobData, extra []string, output string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args,
		"-filter_complex", BuildFilterGraph(data),
		"-map", "[outv]",
		"-an",
		"-c:v", "libx264",
	)
	args = append(args, extra...)
	args = append(args, "-movflags", "+faststart", "-progress", "pipe:1", "-nostats", output)
	return args
}

// BuildThumbnailArgs grabs one frame a second in, or halfway through short
// videos.
func BuildThumbnailArgs(video string, total float64, thumb string) []string {
	at := 1.0
	if total > 0 && total < 2 {
		at = total / 2
	}
	return []string{"-hide_banner", "-nostdin", "-y", "-ss", formatSeconds(at), "-i", video, "-frames:v", "1", "-q:v", "2", thumb}
}

// readProgress consumes `-progress` key=value output and reports percent
// of total. The final 100 is left to the caller.
func readProgress(r io.Reader, total float64, onProgress task.ProgressFunc) {
	sc := bufio.NewScanner(r)
	last := -1.0
	for sc.Scan() {
		if onProgress == nil || total <= 0 {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || (key != "out_time_us" && key != "out_time_ms") {
			continue
		}
		// Both keys are microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			continue
		}
		pct := float64(us) / 1e6 / total * 100
		if pct > 99 {
			pct = 99
		}
		if pct > last {
			last = pct
			onProgress(pct)
		}
	}
	io.Copy(io.Discard, r)
}

// prepareInput downloads or copies a clip to dst, enforcing MAX_INPUT_SIZE.
func (r *Runner) prepareInput(ctx context.Context, source, dst string) (string, error) {
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var src io.Reader
	switch {
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return "", err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("failed to download file, status: %s", resp.Status)
		}
		src = resp.Body
	case strings.HasPrefix(source, "data:"):
		return "", errors.New("data URI inputs are not supported")
	default:
		local, err := os.Open(source)
		if err != nil {
			return "", fmt.Errorf("could not open local input file: %w", err)
		}
		defer local.Close()
		src = local
	}

	limited := &io.LimitedReader{R: src, N: r.cfg.MaxInputSize + 1}
	written, err := io.Copy(f, limited)
	if err != nil {
		return "", fmt.Errorf("failed to write input file: %w", err)
	}
	if written > r.cfg.MaxInputSize {
		return "", fmt.Errorf("input file size exceeds limit of %d bytes", r.cfg.MaxInputSize)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// hostResources refuses new work when CPU, memory or disk run low.
func (r *Runner) hostResources() error {
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		r.log.Info("Could not get CPU usage", "error", err.Error())
	} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		r.log.Info("Could not get memory usage", "error", err.Error())
	} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
	}

	d, err := disk.Usage(r.tempDir)
	if err != nil {
		r.log.Info("Could not get disk usage", "dir", r.tempDir, "error", err.Error())
	} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
	}
	return nil
}

func reserveFile(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "video"
	}
	return s
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
