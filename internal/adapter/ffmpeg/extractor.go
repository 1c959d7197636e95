package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"smara/backend/internal/worker"
)

const (
	sceneThreshold  = 0.2
	intervalSeconds = 5

	StrategyScene    = "scene"
	StrategyInterval = "interval"
	StrategySingle   = "single"
)

var framePattern = regexp.MustCompile(`^frame_\d+\.jpg$`)

// Runner executes ffmpeg with the given arguments and returns its combined
// output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	path string
}

func (r execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w; out=%s", r.path, err, tail(out, 512))
	}
	return out, nil
}

// Extractor decomposes a video into still frames and a speech-ready audio
// track using an external ffmpeg process.
type Extractor struct {
	runner    Runner
	maxFrames int
	timeout   time.Duration
	tempDir   string
}

type Option func(*Extractor)

func WithRunner(r Runner) Option {
	return func(e *Extractor) { e.runner = r }
}

func WithTempDir(dir string) Option {
	return func(e *Extractor) { e.tempDir = dir }
}

func NewExtractor(ffmpegPath string, maxFrames int, timeout time.Duration, opts ...Option) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if maxFrames <= 0 {
		maxFrames = 120
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	e := &Extractor{
		runner:    execRunner{path: ffmpegPath},
		maxFrames: maxFrames,
		timeout:   timeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract writes the video to a private temp workspace, runs the frame
// cascade and the audio extraction there and returns everything in memory.
// The workspace is removed on every return path.
func (e *Extractor) Extract(ctx context.Context, req worker.ExtractRequest) (*worker.ExtractionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	dir, err := os.MkdirTemp(e.tempDir, "extract-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input"+videoExt(req.MIME))
	if err := os.WriteFile(input, req.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	strategy, framePaths, err := e.frames(ctx, input, dir)
	if err != nil {
		return nil, err
	}

	res := &worker.ExtractionResult{
		Success:  true,
		AssetID:  req.AssetID,
		Strategy: strategy,
	}
	for _, p := range framePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		res.Frames = append(res.Frames, worker.ExtractedFrame{
			Filename: filepath.Base(p),
			Data:     data,
			Size:     len(data),
		})
		res.Metadata.TotalSizeBytes += len(data)
	}

	if audio, err := e.audio(ctx, input, dir); err != nil {
		slog.InfoContext(ctx, "no audio track extracted", "asset_id", req.AssetID, "error", err)
	} else {
		res.Audio = &worker.ExtractedAudio{Data: audio, Size: len(audio)}
		res.Metadata.TotalSizeBytes += len(audio)
	}

	res.Metadata.FrameCount = len(res.Frames)
	res.Metadata.HasAudio = res.Audio != nil
	return res, nil
}

// frames runs the cascade: scene changes, then fixed interval sampling, then
// a single frame. Each attempt writes into its own directory.
func (e *Extractor) frames(ctx context.Context, input, dir string) (string, []string, error) {
	attempts := []struct {
		strategy string
		args     func(out string) []string
		enough   func(n int) bool
	}{
		{
			strategy: StrategyScene,
			args: func(out string) []string {
				vf := fmt.Sprintf("select='eq(n\\,0)+gt(scene\\,%g)'", sceneThreshold)
				return []string{"-hide_banner", "-y", "-i", input, "-vf", vf, "-fps_mode", "vfr",
					"-frames:v", strconv.Itoa(e.maxFrames), "-q:v", "2", out}
			},
			// The opening frame is always selected, so one frame means no scene change.
			enough: func(n int) bool { return n > 1 },
		},
		{
			strategy: StrategyInterval,
			args: func(out string) []string {
				return []string{"-hide_banner", "-y", "-i", input, "-vf", fmt.Sprintf("fps=1/%d", intervalSeconds),
					"-frames:v", strconv.Itoa(e.maxFrames), "-q:v", "2", out}
			},
			enough: func(n int) bool { return n > 0 },
		},
		{
			strategy: StrategySingle,
			args: func(out string) []string {
				return []string{"-hide_banner", "-y", "-i", input, "-frames:v", "1", "-q:v", "2", out}
			},
			enough: func(n int) bool { return n > 0 },
		},
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		outDir := filepath.Join(dir, a.strategy)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("mkdir %s: %w", a.strategy, err)
		}
		if _, err := e.runner.Run(ctx, a.args(filepath.Join(outDir, "frame_%06d.jpg"))...); err != nil {
			lastErr = err
			slog.DebugContext(ctx, "frame strategy failed", "strategy", a.strategy, "error", err)
			continue
		}
		paths, err := listFrames(outDir)
		if err != nil {
			return "", nil, err
		}
		if !a.enough(len(paths)) {
			continue
		}
		if len(paths) > e.maxFrames {
			paths = paths[:e.maxFrames]
		}
		return a.strategy, paths, nil
	}

	if lastErr != nil {
		return "", nil, fmt.Errorf("no frames extracted: %w", lastErr)
	}
	return "", nil, errors.New("no frames extracted")
}

func (e *Extractor) audio(ctx context.Context, input, dir string) ([]byte, error) {
	out := filepath.Join(dir, "audio.wav")
	args := []string{"-hide_banner", "-y", "-i", input, "-vn",
		"-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", out}
	if _, err := e.runner.Run(ctx, args...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("audio output missing: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("audio output empty")
	}
	return data, nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ent := range entries {
		if !ent.IsDir() && framePattern.MatchString(ent.Name()) {
			out = append(out, filepath.Join(dir, ent.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func videoExt(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "video/x-matroska":
		return ".mkv"
	case "video/x-msvideo":
		return ".avi"
	}
	return ".mp4"
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
