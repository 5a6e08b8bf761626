package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
)

// StubAdapter simulates a vendor for one stage. It completes tasks after a
// fixed latency and fabricates asset references, so the engine runs end to end
// without any vendor configured.
type StubAdapter struct {
	stage       job.Stage
	latency     time.Duration
	costPerCall float64
	logger      *slog.Logger

	mu    sync.Mutex
	tasks map[string]*stubTask
}

type stubTask struct {
	in        Input
	readyAt   time.Time
	cancelled bool
}

// NewStubAdapter creates a stub for the given stage.
func NewStubAdapter(s job.Stage, latency time.Duration, costPerCall float64, logger *slog.Logger) *StubAdapter {
	return &StubAdapter{
		stage:       s,
		latency:     latency,
		costPerCall: costPerCall,
		logger:      logger,
		tasks:       make(map[string]*stubTask),
	}
}

func (a *StubAdapter) Submit(ctx context.Context, in Input) (TaskHandle, error) {
	id := job.NewID()

	a.mu.Lock()
	a.tasks[id] = &stubTask{in: in, readyAt: time.Now().Add(a.latency)}
	a.mu.Unlock()

	a.logger.Info("stage stub: task submitted",
		"stage", a.stage, "task_id", id, "scene_id", in.SceneJobID)
	return TaskHandle{ID: id, Stage: a.stage}, nil
}

func (a *StubAdapter) Poll(ctx context.Context, handle TaskHandle) (PollResult, error) {
	a.mu.Lock()
	task, ok := a.tasks[handle.ID]
	a.mu.Unlock()

	if !ok {
		return PollResult{}, Terminal("unknown task", fmt.Errorf("task %s not found", handle.ID))
	}
	if task.cancelled {
		return PollResult{Status: StatusFailed, Err: Terminal("task cancelled", nil)}, nil
	}
	if time.Now().Before(task.readyAt) {
		return PollResult{Status: StatusPending}, nil
	}

	a.mu.Lock()
	delete(a.tasks, handle.ID)
	a.mu.Unlock()

	return PollResult{
		Status:    StatusSucceeded,
		AssetRef:  a.assetRef(task.in),
		CostDelta: a.costPerCall,
	}, nil
}

func (a *StubAdapter) Cancel(ctx context.Context, handle TaskHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if task, ok := a.tasks[handle.ID]; ok {
		task.cancelled = true
	}
	a.logger.Info("stage stub: task cancelled", "stage", a.stage, "task_id", handle.ID)
	return nil
}

func (a *StubAdapter) assetRef(in Input) string {
	switch a.stage {
	case job.StageUpload:
		return fmt.Sprintf("https://videos.reelforge.local/%s", in.PipelineJobID)
	case job.StageAssembly:
		return fmt.Sprintf("stub://assembly/%s.mp4", in.PipelineJobID)
	default:
		return fmt.Sprintf("stub://%s/%s", a.stage, in.SceneJobID)
	}
}
