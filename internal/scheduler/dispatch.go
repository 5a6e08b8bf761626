package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/progress"
	"github.com/reelforge/reelforge-engine/internal/stage"
)

// allStages is the dispatch order: scene stages first, then pipeline stages.
var allStages = []job.Stage{
	job.StageScript, job.StageVoice, job.StageVisual, job.StageVideoClip,
	job.StageAssembly, job.StageUpload,
}

// dispatchLoop pulls ready stage transitions whenever woken and hands them to
// adapter goroutines, one per in-flight call.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-s.wake:
			s.dispatchReady(ctx)
		}
	}
}

// shutdown cancels all per-pipeline contexts so in-flight calls unwind.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.running.Store(false)
}

// dispatchReady starts calls for every stage with free slots and queued work.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range allStages {
		for s.inFlight[st] < s.cfg.limit(st) && len(s.queues[st]) > 0 {
			item := s.queues[st][0]
			s.queues[st] = s.queues[st][1:]

			in, pipeCtx, ok := s.prepareDispatchLocked(ctx, item)
			if !ok {
				continue
			}

			s.inFlight[st]++
			s.wg.Add(1)
			go s.runCall(pipeCtx, item, in)
		}
	}
}

// prepareDispatchLocked validates a popped item against current state, marks
// the work in flight, persists the marker and emits StageStarted. Returns
// ok=false when the item is stale (pipeline gone, scene already advanced).
func (s *Scheduler) prepareDispatchLocked(ctx context.Context, item queueItem) (stage.Input, context.Context, bool) {
	p, ok := s.pipelines[item.pipelineID]
	if !ok {
		return stage.Input{}, nil, false
	}
	pipeCtx := s.pipeCtxs[item.pipelineID]
	if pipeCtx == nil || pipeCtx.Err() != nil {
		return stage.Input{}, nil, false
	}

	in := stage.Input{
		PipelineJobID: p.ID,
		Stage:         item.stage,
		Title:         p.Title,
	}

	if item.sceneID != "" {
		sc, ok := s.scenes[item.sceneID]
		if !ok || sc.Terminal() || sc.CurrentStage != item.stage || sc.InFlight {
			return stage.Input{}, nil, false
		}

		if p.Status == job.StatusQueued {
			p.Status = job.StatusRunning
			if err := s.store.SavePipeline(ctx, p); err != nil {
				s.logger.Error("failed to persist running status", "job_id", p.ID, "error", err)
			}
		}

		sc.InFlight = true
		if err := s.store.SaveScene(ctx, sc); err != nil {
			s.logger.Error("failed to persist in-flight marker", "scene_id", sc.ID, "error", err)
		}

		in.SceneJobID = sc.ID
		in.Scene = sc.Inputs
		in.Assets = make(map[job.Stage]string, len(sc.Assets))
		for k, v := range sc.Assets {
			in.Assets[k] = v
		}
	} else {
		// pipeline-level stage: assembly wants the ready clips in scene order
		if item.stage == job.StageAssembly {
			in.ClipRefs = s.readyClipsLocked(p)
		} else if item.stage == job.StageUpload {
			in.Assets = map[job.Stage]string{job.StageAssembly: p.FinalAssetRef}
		}
	}

	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventStageStarted,
		PipelineJobID: item.pipelineID,
		SceneJobID:    item.sceneID,
		Stage:         item.stage,
	})
	return in, pipeCtx, true
}

// readyClipsLocked collects video-clip assets of ready scenes in scene order.
func (s *Scheduler) readyClipsLocked(p *job.PipelineJob) []string {
	clips := make([]string, 0, len(p.SceneJobIDs))
	for _, id := range p.SceneJobIDs {
		sc, ok := s.scenes[id]
		if !ok || sc.CurrentStage != job.SceneReady {
			continue
		}
		if clip, ok := sc.Assets[job.StageVideoClip]; ok {
			clips = append(clips, clip)
		}
	}
	return clips
}

// callResult is the confirmed outcome of one adapter call.
type callResult struct {
	assetRef  string
	costDelta float64
	err       error
}

// runCall executes one stage call end to end: submit, poll until done,
// best-effort cancel on abandonment. It never holds a slot during backoff;
// the slot is released as soon as the call resolves.
func (s *Scheduler) runCall(pipeCtx context.Context, item queueItem, in stage.Input) {
	defer s.wg.Done()

	callCtx, cancel := context.WithTimeout(pipeCtx, s.cfg.deadline(item.stage))
	defer cancel()

	started := time.Now().UTC()
	res := s.execute(callCtx, item, in)
	ended := time.Now().UTC()

	s.mu.Lock()
	s.inFlight[item.stage]--
	s.mu.Unlock()
	defer s.notify()

	if pipeCtx.Err() != nil {
		// the pipeline was cancelled (or the engine is shutting down) while
		// this call was in flight; the vendor may still bill for it
		s.recordCall(item, job.OutcomeAbandoned, started, ended, res.costDelta, "call abandoned")
		return
	}

	s.onResult(item, res, started, ended)
}

// maxPollFailures bounds consecutive poll transport errors tolerated before
// the call is failed; a single blip must not sink a long-running render.
const maxPollFailures = 5

// execute submits one task and polls it to completion.
func (s *Scheduler) execute(ctx context.Context, item queueItem, in stage.Input) callResult {
	adapter, ok := s.adapters[item.stage]
	if !ok {
		return callResult{err: stage.Terminal("no adapter configured", nil)}
	}

	handle, err := adapter.Submit(ctx, in)
	if err != nil {
		return callResult{err: err}
	}

	ticker := time.NewTicker(s.cfg.pollInterval())
	defer ticker.Stop()

	pollFailures := 0
	for {
		select {
		case <-ctx.Done():
			s.abandonTask(adapter, handle)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return callResult{err: stage.Retryable("stage call deadline exceeded", ctx.Err())}
			}
			return callResult{err: ctx.Err()}
		case <-ticker.C:
			res, err := adapter.Poll(ctx, handle)
			if err != nil {
				pollFailures++
				if pollFailures >= maxPollFailures {
					return callResult{err: err}
				}
				continue
			}
			pollFailures = 0

			switch res.Status {
			case stage.StatusPending:
				continue
			case stage.StatusSucceeded:
				return callResult{assetRef: res.AssetRef, costDelta: res.CostDelta}
			case stage.StatusFailed:
				return callResult{costDelta: res.CostDelta, err: res.Err}
			}
		}
	}
}

// abandonTask requests best-effort vendor-side cancellation with a short
// independent deadline; the surrounding context is already dead.
func (s *Scheduler) abandonTask(adapter stage.Adapter, handle stage.TaskHandle) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adapter.Cancel(cancelCtx, handle); err != nil {
		s.logger.Warn("best-effort task cancel failed", "stage", handle.Stage, "task_id", handle.ID, "error", err)
	}
}
