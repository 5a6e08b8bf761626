// Package scheduler advances every active scene and pipeline job exactly one
// stage transition at a time, honoring per-stage concurrency limits. It is the
// single writer over job state: adapters report results, the scheduler decides
// retries, fallbacks and transitions, persists them, then broadcasts them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/moderation"
	"github.com/reelforge/reelforge-engine/internal/progress"
	"github.com/reelforge/reelforge-engine/internal/retry"
	"github.com/reelforge/reelforge-engine/internal/stage"
	"github.com/reelforge/reelforge-engine/internal/store"
)

// Config bounds the scheduler's concurrency and timing per stage.
type Config struct {
	StageLimits          map[job.Stage]int
	StageDeadlines       map[job.Stage]time.Duration
	PollInterval         time.Duration
	AllowPartialAssembly bool
}

func (c Config) limit(s job.Stage) int {
	if n, ok := c.StageLimits[s]; ok && n > 0 {
		return n
	}
	return 1
}

func (c Config) deadline(s job.Stage) time.Duration {
	if d, ok := c.StageDeadlines[s]; ok && d > 0 {
		return d
	}
	return 10 * time.Minute
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 500 * time.Millisecond
}

// queueItem is one pending stage dispatch. SceneID is empty for the
// pipeline-level assembly and upload stages.
type queueItem struct {
	pipelineID string
	sceneID    string
	stage      job.Stage
	// ordering: oldest pipeline first to avoid starvation across jobs,
	// then FIFO within the stage
	pipelineCreated time.Time
	seq             uint64
}

type Scheduler struct {
	store       store.Store
	adapters    map[job.Stage]stage.Adapter
	policy      *retry.Policy
	fallback    moderation.Rewriter
	broadcaster *progress.Broadcaster
	logger      *slog.Logger
	cfg         Config

	mu        sync.Mutex
	pipelines map[string]*job.PipelineJob
	scenes    map[string]*job.SceneJob
	cancels   map[string]context.CancelFunc
	pipeCtxs  map[string]context.Context
	queues    map[job.Stage][]queueItem
	inFlight  map[job.Stage]int
	timers    map[string]*time.Timer
	seq       uint64

	runCtx  context.Context
	wake    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Every stage in job.SceneStages plus assembly and
// upload must have an adapter.
func New(st store.Store, adapters map[job.Stage]stage.Adapter, policy *retry.Policy,
	fallback moderation.Rewriter, broadcaster *progress.Broadcaster,
	cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       st,
		adapters:    adapters,
		policy:      policy,
		fallback:    fallback,
		broadcaster: broadcaster,
		logger:      logger,
		cfg:         cfg,
		pipelines:   make(map[string]*job.PipelineJob),
		scenes:      make(map[string]*job.SceneJob),
		cancels:     make(map[string]context.CancelFunc),
		pipeCtxs:    make(map[string]context.Context),
		queues:      make(map[job.Stage][]queueItem),
		inFlight:    make(map[job.Stage]int),
		timers:      make(map[string]*time.Timer),
		wake:        make(chan struct{}, 1),
	}
}

// Start recovers persisted non-terminal jobs and runs the dispatch loop until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("scheduler already running")
	}
	s.runCtx = ctx

	if err := s.recover(ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("recover persisted jobs: %w", err)
	}

	s.logger.Info("scheduler started")
	s.wg.Add(1)
	go s.dispatchLoop(ctx)
	s.notify()
	return nil
}

// Wait blocks until the dispatch loop and all in-flight call goroutines have
// exited after Start's ctx was cancelled. Outstanding vendor tasks themselves
// are abandoned with a best-effort cancel, not awaited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// recover reloads all non-terminal pipelines, clears stale in-flight markers
// and re-enqueues every pending stage. Interrupted calls do not consume
// attempt budget.
func (s *Scheduler) recover(ctx context.Context) error {
	cleared, err := s.store.ClearInFlight(ctx)
	if err != nil {
		return fmt.Errorf("clear in-flight markers: %w", err)
	}
	if cleared > 0 {
		s.logger.Info("cleared interrupted stage calls", "count", cleared)
	}

	pipelines, err := s.store.ListActivePipelines(ctx)
	if err != nil {
		return fmt.Errorf("list active pipelines: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pipelines {
		scenes, err := s.store.ListScenes(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("list scenes for %s: %w", p.ID, err)
		}
		s.activateLocked(p, scenes)

		switch p.Status {
		case job.StatusAssembling:
			s.enqueueLocked(p, nil, job.StageAssembly)
		case job.StatusUploading:
			s.enqueueLocked(p, nil, job.StageUpload)
		default:
			for _, sc := range scenes {
				if !sc.Terminal() {
					s.enqueueLocked(p, sc, sc.CurrentStage)
				}
			}
			// the crash may have landed between the last scene finishing
			// and the assembly transition
			s.maybeAdvancePipelineLocked(ctx, p)
		}
		s.jobLog(p.ID).Info("recovered pipeline job", "status", p.Status, "scenes", len(scenes))
	}
	return nil
}

// Submit validates the script, decomposes it into scene jobs, persists and
// enqueues them. Returns the queued pipeline job.
func (s *Scheduler) Submit(ctx context.Context, script *job.Script) (*job.PipelineJob, error) {
	p, scenes, err := job.Decompose(script)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreatePipeline(ctx, p, scenes); err != nil {
		return nil, fmt.Errorf("persist pipeline job: %w", err)
	}

	s.mu.Lock()
	s.activateLocked(p, scenes)
	for _, sc := range scenes {
		s.enqueueLocked(p, sc, sc.CurrentStage)
	}
	s.mu.Unlock()
	s.notify()

	s.jobLog(p.ID).Info("pipeline job submitted", "scenes", len(scenes))
	return p.Clone(), nil
}

// Cancel marks the pipeline cancelled, stops dispatching its scenes and
// signals in-flight calls. Already-produced assets are kept.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*job.PipelineJob, error) {
	s.mu.Lock()
	p, ok := s.pipelines[jobID]
	if !ok {
		s.mu.Unlock()
		existing, err := s.store.GetPipeline(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: unknown job %s", job.ErrInvalidInput, jobID)
		}
		// already terminal; cancel is a no-op
		return existing, nil
	}

	p.Status = job.StatusCancelled
	if err := s.store.SavePipeline(ctx, p); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}
	snapshot := p.Clone()
	s.deactivateLocked(p.ID)
	s.mu.Unlock()

	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventJobCancelled,
		PipelineJobID: jobID,
	})
	s.jobLog(jobID).Info("pipeline job cancelled")
	return snapshot, nil
}

// RetryFailedScene resets a failed scene to the stage that failed, with a
// fresh attempt budget, and re-enqueues it. Calling it on a ready scene is a
// no-op returning current state. A pipeline that failed because of the scene
// is reopened.
func (s *Scheduler) RetryFailedScene(ctx context.Context, sceneID string) (*job.SceneJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scenes[sceneID]
	if !ok {
		loaded, err := s.store.GetScene(ctx, sceneID)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, fmt.Errorf("%w: unknown scene %s", job.ErrInvalidInput, sceneID)
		}
		if loaded.CurrentStage != job.SceneFailed {
			return loaded, nil
		}
		// parent pipeline is terminal; reopen it unless cancelled/completed
		p, err := s.reopenPipelineLocked(ctx, loaded.PipelineJobID)
		if err != nil {
			return nil, err
		}
		_ = p
		sc = s.scenes[sceneID]
		if sc == nil {
			return nil, fmt.Errorf("scene %s missing after reopen", sceneID)
		}
	}

	if sc.CurrentStage != job.SceneFailed {
		// includes Ready: idempotent no-op
		return sc.Clone(), nil
	}

	p := s.pipelines[sc.PipelineJobID]
	if p == nil {
		return nil, fmt.Errorf("pipeline %s not active", sc.PipelineJobID)
	}

	resumeStage := sc.FailedStage
	if !job.IsSceneStage(resumeStage) {
		resumeStage = job.StageScript
	}
	sc.CurrentStage = resumeStage
	sc.FailedStage = ""
	sc.Attempts[resumeStage] = 0
	sc.FallbackUsed[resumeStage] = false
	sc.LastError = ""
	if err := s.store.SaveScene(ctx, sc); err != nil {
		return nil, fmt.Errorf("persist scene retry: %w", err)
	}

	s.enqueueLocked(p, sc, resumeStage)
	s.notifyLocked()

	s.logger.Info("failed scene re-enqueued", "scene_id", sceneID, "stage", resumeStage)
	return sc.Clone(), nil
}

// reopenPipelineLocked reactivates a terminal-failed pipeline so one of its
// scenes can be retried. Cancelled and completed pipelines stay closed.
func (s *Scheduler) reopenPipelineLocked(ctx context.Context, pipelineID string) (*job.PipelineJob, error) {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: unknown job %s", job.ErrInvalidInput, pipelineID)
	}
	if p.Status != job.StatusFailed {
		return nil, fmt.Errorf("%w: job %s is %s, only failed jobs can be reopened",
			job.ErrInvalidInput, pipelineID, p.Status)
	}

	scenes, err := s.store.ListScenes(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	p.Status = job.StatusRunning
	p.LastError = ""
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("persist reopen: %w", err)
	}

	s.activateLocked(p, scenes)
	s.jobLog(pipelineID).Info("pipeline job reopened")
	return p, nil
}

// GetStatus returns a consistent snapshot of one pipeline job and its scenes.
func (s *Scheduler) GetStatus(ctx context.Context, jobID string) (*job.PipelineJob, []*job.SceneJob, error) {
	s.mu.Lock()
	if p, ok := s.pipelines[jobID]; ok {
		snapshot := p.Clone()
		scenes := make([]*job.SceneJob, 0, len(p.SceneJobIDs))
		for _, id := range p.SceneJobIDs {
			if sc, ok := s.scenes[id]; ok {
				scenes = append(scenes, sc.Clone())
			}
		}
		s.mu.Unlock()
		return snapshot, scenes, nil
	}
	s.mu.Unlock()

	p, err := s.store.GetPipeline(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, fmt.Errorf("%w: unknown job %s", job.ErrInvalidInput, jobID)
	}
	scenes, err := s.store.ListScenes(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return p, scenes, nil
}

// ListJobs returns recent pipeline jobs from the store.
func (s *Scheduler) ListJobs(ctx context.Context, limit int) ([]*job.PipelineJob, error) {
	return s.store.ListPipelines(ctx, limit)
}

// SlotUsage reports in-flight call counts per stage.
func (s *Scheduler) SlotUsage() map[job.Stage]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	usage := make(map[job.Stage]int, len(s.inFlight))
	for st, n := range s.inFlight {
		usage[st] = n
	}
	return usage
}

// activateLocked registers a pipeline and its scenes as actively scheduled.
func (s *Scheduler) activateLocked(p *job.PipelineJob, scenes []*job.SceneJob) {
	s.pipelines[p.ID] = p
	for _, sc := range scenes {
		s.scenes[sc.ID] = sc
	}
	if _, ok := s.cancels[p.ID]; !ok {
		base := s.runCtx
		if base == nil {
			base = context.Background()
		}
		pipeCtx, cancel := context.WithCancel(base)
		s.cancels[p.ID] = cancel
		s.pipeCtxs[p.ID] = pipeCtx
	}
}

// deactivateLocked removes a pipeline from active scheduling: cancels its
// context, drops queued work and pending retry timers.
func (s *Scheduler) deactivateLocked(pipelineID string) {
	if cancel, ok := s.cancels[pipelineID]; ok {
		cancel()
		delete(s.cancels, pipelineID)
		delete(s.pipeCtxs, pipelineID)
	}
	for st, q := range s.queues {
		filtered := q[:0]
		for _, item := range q {
			if item.pipelineID != pipelineID {
				filtered = append(filtered, item)
			}
		}
		s.queues[st] = filtered
	}
	if p, ok := s.pipelines[pipelineID]; ok {
		for _, sceneID := range p.SceneJobIDs {
			if t, ok := s.timers[sceneID]; ok {
				t.Stop()
				delete(s.timers, sceneID)
			}
			delete(s.scenes, sceneID)
		}
	}
	if t, ok := s.timers[pipelineID]; ok {
		t.Stop()
		delete(s.timers, pipelineID)
	}
	delete(s.pipelines, pipelineID)
}

// enqueueLocked appends a stage dispatch, keeping the per-stage queue ordered
// oldest-pipeline-first then FIFO.
func (s *Scheduler) enqueueLocked(p *job.PipelineJob, sc *job.SceneJob, st job.Stage) {
	s.seq++
	item := queueItem{
		pipelineID:      p.ID,
		stage:           st,
		pipelineCreated: p.CreatedAt,
		seq:             s.seq,
	}
	if sc != nil {
		item.sceneID = sc.ID
	}
	q := append(s.queues[st], item)
	sort.SliceStable(q, func(i, j int) bool {
		if !q[i].pipelineCreated.Equal(q[j].pipelineCreated) {
			return q[i].pipelineCreated.Before(q[j].pipelineCreated)
		}
		return q[i].seq < q[j].seq
	})
	s.queues[st] = q
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notifyLocked is notify for call sites already holding s.mu; the channel
// send itself never blocks so holding the lock is safe.
func (s *Scheduler) notifyLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
