package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/logging"
)

const maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

// FFmpegAssembler runs assembly locally by concatenating scene clips with an
// ffmpeg subprocess. It satisfies the Adapter contract by tracking each
// subprocess as an async task: Submit starts the work, Poll observes it.
type FFmpegAssembler struct {
	ffmpegPath string
	outDir     string
	logger     *slog.Logger

	mu    sync.Mutex
	tasks map[string]*assembleTask
}

type assembleTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	// written before done is closed, read after
	assetRef string
	err      error
}

// NewFFmpegAssembler resolves the ffmpeg binary and creates the output
// directory. Returns an error when ffmpeg is not on PATH.
func NewFFmpegAssembler(preferred, outDir string, logger *slog.Logger) (*FFmpegAssembler, error) {
	name := preferred
	if name == "" {
		name = "ffmpeg"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("cannot locate ffmpeg: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create output dir: %w", err)
	}

	logger.Info("ffmpeg assembler initialised", "ffmpeg", path, "out_dir", logging.SanitizePath(outDir))
	return &FFmpegAssembler{
		ffmpegPath: path,
		outDir:     outDir,
		logger:     logger,
		tasks:      make(map[string]*assembleTask),
	}, nil
}

func (f *FFmpegAssembler) Submit(ctx context.Context, in Input) (TaskHandle, error) {
	if len(in.ClipRefs) == 0 {
		return TaskHandle{}, Terminal("no clips to assemble", nil)
	}

	id := job.NewID()
	runCtx, cancel := context.WithCancel(context.Background())
	task := &assembleTask{cancel: cancel, done: make(chan struct{})}

	f.mu.Lock()
	f.tasks[id] = task
	f.mu.Unlock()

	go func() {
		defer close(task.done)
		task.assetRef, task.err = f.assemble(runCtx, in)
	}()

	return TaskHandle{ID: id, Stage: job.StageAssembly}, nil
}

func (f *FFmpegAssembler) Poll(ctx context.Context, handle TaskHandle) (PollResult, error) {
	f.mu.Lock()
	task, ok := f.tasks[handle.ID]
	f.mu.Unlock()

	if !ok {
		return PollResult{}, Terminal("unknown task", fmt.Errorf("task %s not found", handle.ID))
	}

	select {
	case <-task.done:
	default:
		return PollResult{Status: StatusPending}, nil
	}

	f.mu.Lock()
	delete(f.tasks, handle.ID)
	f.mu.Unlock()

	if task.err != nil {
		return PollResult{Status: StatusFailed, Err: task.err}, nil
	}
	return PollResult{Status: StatusSucceeded, AssetRef: task.assetRef}, nil
}

func (f *FFmpegAssembler) Cancel(ctx context.Context, handle TaskHandle) error {
	f.mu.Lock()
	task, ok := f.tasks[handle.ID]
	f.mu.Unlock()
	if ok {
		task.cancel()
	}
	return nil
}

// assemble writes a concat list and runs ffmpeg over it.
func (f *FFmpegAssembler) assemble(ctx context.Context, in Input) (string, error) {
	start := time.Now()

	var list strings.Builder
	for _, clip := range in.ClipRefs {
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(clip, "'", `'\''`))
	}

	listPath := filepath.Join(f.outDir, in.PipelineJobID+".clips.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0644); err != nil {
		return "", Terminal("cannot write concat list", err)
	}
	defer os.Remove(listPath)

	outPath := filepath.Join(f.outDir, in.PipelineJobID+".mp4")

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	f.logger.Info("assembling video",
		"pipeline_id", in.PipelineJobID,
		"clips", len(in.ClipRefs),
		"output", logging.SanitizePath(outPath),
	)

	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return "", Terminal("assembly cancelled", ctx.Err())
		}
		f.logger.Warn("ffmpeg failed",
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrBuf.String(), 512),
		)
		return "", Retryable("ffmpeg exited with error", err)
	}

	f.logger.Info("assembly complete",
		"duration_ms", elapsed.Milliseconds(),
		"output", logging.SanitizePath(outPath),
	)
	return outPath, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
