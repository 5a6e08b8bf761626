package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/logging"
	"github.com/reelforge/reelforge-engine/internal/progress"
	"github.com/reelforge/reelforge-engine/internal/retry"
)

// jobLog returns a logger scoped to one pipeline job.
func (s *Scheduler) jobLog(pipelineID string) *slog.Logger {
	return logging.WithJobID(s.logger, pipelineID)
}

// sceneLog returns a logger scoped to one scene within its pipeline.
func (s *Scheduler) sceneLog(p *job.PipelineJob, sc *job.SceneJob) *slog.Logger {
	return logging.WithSceneID(s.jobLog(p.ID), sc.ID)
}

// onResult applies one confirmed call outcome to job state. State is
// persisted before the matching event is broadcast, so a crash in between
// loses a notification, never a transition.
func (s *Scheduler) onResult(item queueItem, res callResult, started, ended time.Time) {
	if item.sceneID != "" {
		s.onSceneResult(item, res, started, ended)
	} else {
		s.onPipelineResult(item, res, started, ended)
	}
}

func (s *Scheduler) onSceneResult(item queueItem, res callResult, started, ended time.Time) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scenes[item.sceneID]
	p := s.pipelines[item.pipelineID]
	if sc == nil || p == nil {
		// pipeline was cancelled while the call resolved
		s.recordCall(item, job.OutcomeAbandoned, started, ended, res.costDelta, "pipeline no longer active")
		return
	}

	sc.InFlight = false
	sc.Attempts[item.stage]++
	p.CostAccumulated += res.costDelta

	if res.err == nil {
		s.advanceSceneLocked(ctx, p, sc, item, res, started, ended)
		return
	}

	switch s.policy.Classify(res.err) {
	case retry.ModerationRejected:
		s.handleModerationLocked(ctx, p, sc, item, res, started, ended)

	case retry.Terminal:
		s.failSceneLocked(ctx, p, sc, item, job.OutcomeTerminal,
			fmt.Sprintf("%s stage failed permanently: %v; this input cannot succeed, edit the scene and retry", item.stage, res.err),
			started, ended, res.costDelta)

	default: // retryable
		if sc.Attempts[item.stage] >= s.policy.MaxAttempts(item.stage) {
			s.failSceneLocked(ctx, p, sc, item, job.OutcomeTerminal,
				fmt.Sprintf("%s stage failed after %d attempts: %v; retry later", item.stage, sc.Attempts[item.stage], res.err),
				started, ended, res.costDelta)
			return
		}
		s.scheduleSceneRetryLocked(ctx, p, sc, item, res, started, ended)
	}
}

// advanceSceneLocked stores the produced asset and moves the scene to the
// next stage in the fixed sequence.
func (s *Scheduler) advanceSceneLocked(ctx context.Context, p *job.PipelineJob, sc *job.SceneJob,
	item queueItem, res callResult, started, ended time.Time) {

	sc.Assets[item.stage] = res.assetRef
	next, ok := job.NextSceneStage(item.stage)
	if !ok {
		s.logger.Error("stage has no successor", "stage", item.stage, "scene_id", sc.ID)
		return
	}
	sc.CurrentStage = next

	s.persistSceneLocked(ctx, p, sc)
	s.recordCall(item, job.OutcomeSuccess, started, ended, res.costDelta, "")

	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventStageCompleted,
		PipelineJobID: p.ID,
		SceneJobID:    sc.ID,
		Stage:         item.stage,
		AssetRef:      res.assetRef,
	})
	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventStageProgress,
		PipelineJobID: p.ID,
		SceneJobID:    sc.ID,
		Stage:         item.stage,
		Percent:       scenePercent(next),
	})

	if next == job.SceneReady {
		s.maybeAdvancePipelineLocked(ctx, p)
	} else {
		s.enqueueLocked(p, sc, next)
	}
	s.notifyLocked()
}

// scenePercent maps a scene's position to a completion percentage.
func scenePercent(current job.Stage) int {
	if current == job.SceneReady {
		return 100
	}
	for i, st := range job.SceneStages {
		if st == current {
			return i * 100 / len(job.SceneStages)
		}
	}
	return 0
}

// handleModerationLocked applies the fallback rewrite exactly once per stage
// per scene. The fallback attempt bypasses backoff but not bookkeeping: the
// rejection is recorded and counted, and attempts never exceed the stage
// budget. A rejection with the fallback already spent, or with no attempts
// left, is terminal.
func (s *Scheduler) handleModerationLocked(ctx context.Context, p *job.PipelineJob, sc *job.SceneJob,
	item queueItem, res callResult, started, ended time.Time) {

	if sc.FallbackUsed[item.stage] {
		s.failSceneLocked(ctx, p, sc, item, job.OutcomeModeration,
			fmt.Sprintf("%s stage rejected by content moderation even after rewording; rephrase your scene description", item.stage),
			started, ended, res.costDelta)
		return
	}
	if sc.Attempts[item.stage] >= s.policy.MaxAttempts(item.stage) {
		s.failSceneLocked(ctx, p, sc, item, job.OutcomeModeration,
			fmt.Sprintf("%s stage rejected by content moderation with the attempt budget spent; rephrase your scene description", item.stage),
			started, ended, res.costDelta)
		return
	}

	sc.FallbackUsed[item.stage] = true
	sc.Inputs = s.fallback.Rewrite(sc.Inputs)

	s.persistSceneLocked(ctx, p, sc)
	s.recordCall(item, job.OutcomeModeration, started, ended, res.costDelta, res.err.Error())

	s.sceneLog(p, sc).Info("moderation fallback applied", "stage", item.stage)

	s.enqueueLocked(p, sc, item.stage)
	s.notifyLocked()
}

// scheduleSceneRetryLocked records the transient failure and requeues the
// stage after the backoff delay. No concurrency slot is held while waiting.
func (s *Scheduler) scheduleSceneRetryLocked(ctx context.Context, p *job.PipelineJob, sc *job.SceneJob,
	item queueItem, res callResult, started, ended time.Time) {

	s.persistSceneLocked(ctx, p, sc)
	s.recordCall(item, job.OutcomeRetryable, started, ended, res.costDelta, res.err.Error())

	delay := s.policy.NextDelay(item.stage, sc.Attempts[item.stage])
	s.sceneLog(p, sc).Warn("stage call failed, retrying",
		"stage", item.stage, "attempt", sc.Attempts[item.stage],
		"retry_in", delay.String(), "error", res.err)

	sceneID, stageName := sc.ID, item.stage
	s.timers[sceneID] = time.AfterFunc(delay, func() {
		s.requeueScene(sceneID, stageName)
	})
}

// requeueScene re-enqueues a scene stage once its backoff elapsed.
func (s *Scheduler) requeueScene(sceneID string, st job.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, sceneID)
	sc := s.scenes[sceneID]
	if sc == nil || sc.Terminal() || sc.CurrentStage != st || sc.InFlight {
		return
	}
	p := s.pipelines[sc.PipelineJobID]
	if p == nil {
		return
	}
	s.enqueueLocked(p, sc, st)
	s.notifyLocked()
}

// failSceneLocked marks the scene failed. Sibling scenes keep running; the
// pipeline only resolves once every scene is terminal.
func (s *Scheduler) failSceneLocked(ctx context.Context, p *job.PipelineJob, sc *job.SceneJob,
	item queueItem, outcome, message string, started, ended time.Time, cost float64) {

	sc.FailedStage = item.stage
	sc.CurrentStage = job.SceneFailed
	sc.LastError = message

	s.persistSceneLocked(ctx, p, sc)
	s.recordCall(item, outcome, started, ended, cost, message)

	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventStageFailed,
		PipelineJobID: p.ID,
		SceneJobID:    sc.ID,
		Stage:         item.stage,
		Error:         message,
	})
	s.sceneLog(p, sc).Warn("scene failed", "stage", item.stage, "error", message)

	s.maybeAdvancePipelineLocked(ctx, p)
}

// maybeAdvancePipelineLocked checks pipeline readiness: once every scene is
// terminal, the pipeline either moves to assembly or fails, depending on the
// partial-assembly policy.
func (s *Scheduler) maybeAdvancePipelineLocked(ctx context.Context, p *job.PipelineJob) {
	if p.Status != job.StatusRunning && p.Status != job.StatusQueued {
		return
	}

	ready, failed := 0, 0
	for _, id := range p.SceneJobIDs {
		sc := s.scenes[id]
		if sc == nil {
			return
		}
		switch sc.CurrentStage {
		case job.SceneReady:
			ready++
		case job.SceneFailed:
			failed++
		default:
			return
		}
	}

	if failed > 0 && (!s.cfg.AllowPartialAssembly || ready == 0) {
		p.Status = job.StatusFailed
		p.LastError = fmt.Sprintf("%d of %d scenes failed", failed, len(p.SceneJobIDs))
		if err := s.store.SavePipeline(ctx, p); err != nil {
			s.logger.Error("failed to persist pipeline failure", "job_id", p.ID, "error", err)
		}
		s.broadcaster.Publish(progress.Event{
			Type:          progress.EventJobFailed,
			PipelineJobID: p.ID,
			Error:         p.LastError,
		})
		s.jobLog(p.ID).Warn("pipeline job failed", "error", p.LastError)
		s.deactivateLocked(p.ID)
		return
	}

	if failed > 0 {
		s.jobLog(p.ID).Info("assembling with partial scenes", "ready", ready, "omitted", failed)
	}

	p.Status = job.StatusAssembling
	if err := s.store.SavePipeline(ctx, p); err != nil {
		s.logger.Error("failed to persist assembling status", "job_id", p.ID, "error", err)
	}
	s.enqueueLocked(p, nil, job.StageAssembly)
	s.notifyLocked()
}

func (s *Scheduler) onPipelineResult(item queueItem, res callResult, started, ended time.Time) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pipelines[item.pipelineID]
	if p == nil {
		s.recordCall(item, job.OutcomeAbandoned, started, ended, res.costDelta, "pipeline no longer active")
		return
	}

	p.Attempts[item.stage]++
	p.CostAccumulated += res.costDelta

	if res.err == nil {
		s.advancePipelineLocked(ctx, p, item, res, started, ended)
		return
	}

	classification := s.policy.Classify(res.err)
	if classification == retry.Retryable && p.Attempts[item.stage] < s.policy.MaxAttempts(item.stage) {
		if err := s.store.SavePipeline(ctx, p); err != nil {
			s.logger.Error("failed to persist pipeline state", "job_id", p.ID, "error", err)
		}
		s.recordCall(item, job.OutcomeRetryable, started, ended, res.costDelta, res.err.Error())

		delay := s.policy.NextDelay(item.stage, p.Attempts[item.stage])
		s.jobLog(p.ID).Warn("pipeline stage failed, retrying",
			"stage", item.stage, "attempt", p.Attempts[item.stage],
			"retry_in", delay.String(), "error", res.err)

		pipelineID, stageName := p.ID, item.stage
		s.timers[pipelineID] = time.AfterFunc(delay, func() {
			s.requeuePipeline(pipelineID, stageName)
		})
		return
	}

	// terminal pipeline-level failure blocks the whole job; completed scene
	// assets stay retrievable
	outcome := job.OutcomeTerminal
	if classification == retry.ModerationRejected {
		outcome = job.OutcomeModeration
	}
	message := fmt.Sprintf("%s failed after %d attempts: %v", item.stage, p.Attempts[item.stage], res.err)

	p.Status = job.StatusFailed
	p.LastError = message
	if err := s.store.SavePipeline(ctx, p); err != nil {
		s.logger.Error("failed to persist pipeline failure", "job_id", p.ID, "error", err)
	}
	s.recordCall(item, outcome, started, ended, res.costDelta, message)

	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventStageFailed,
		PipelineJobID: p.ID,
		Stage:         item.stage,
		Error:         message,
	})
	s.broadcaster.Publish(progress.Event{
		Type:          progress.EventJobFailed,
		PipelineJobID: p.ID,
		Error:         message,
	})
	s.jobLog(p.ID).Warn("pipeline job failed", "stage", item.stage, "error", message)
	s.deactivateLocked(p.ID)
}

// advancePipelineLocked moves assembly→uploading→completed.
func (s *Scheduler) advancePipelineLocked(ctx context.Context, p *job.PipelineJob,
	item queueItem, res callResult, started, ended time.Time) {

	switch item.stage {
	case job.StageAssembly:
		// holds the assembled video until upload replaces it with the
		// published URL
		p.FinalAssetRef = res.assetRef
		p.Status = job.StatusUploading

		if err := s.store.SavePipeline(ctx, p); err != nil {
			s.logger.Error("failed to persist uploading status", "job_id", p.ID, "error", err)
		}
		s.recordCall(item, job.OutcomeSuccess, started, ended, res.costDelta, "")

		s.broadcaster.Publish(progress.Event{
			Type:          progress.EventStageCompleted,
			PipelineJobID: p.ID,
			Stage:         job.StageAssembly,
			AssetRef:      res.assetRef,
		})
		s.enqueueLocked(p, nil, job.StageUpload)
		s.notifyLocked()

	case job.StageUpload:
		p.FinalAssetRef = res.assetRef
		p.Status = job.StatusCompleted

		if err := s.store.SavePipeline(ctx, p); err != nil {
			s.logger.Error("failed to persist completion", "job_id", p.ID, "error", err)
		}
		s.recordCall(item, job.OutcomeSuccess, started, ended, res.costDelta, "")

		s.broadcaster.Publish(progress.Event{
			Type:          progress.EventStageCompleted,
			PipelineJobID: p.ID,
			Stage:         job.StageUpload,
			AssetRef:      res.assetRef,
		})
		s.broadcaster.Publish(progress.Event{
			Type:          progress.EventJobCompleted,
			PipelineJobID: p.ID,
			AssetRef:      res.assetRef,
		})
		s.jobLog(p.ID).Info("pipeline job completed",
			"asset", res.assetRef, "cost", p.CostAccumulated)
		s.deactivateLocked(p.ID)
	}
}

// requeuePipeline re-enqueues a pipeline stage once its backoff elapsed.
func (s *Scheduler) requeuePipeline(pipelineID string, st job.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.timers, pipelineID)
	p := s.pipelines[pipelineID]
	if p == nil {
		return
	}
	s.enqueueLocked(p, nil, st)
	s.notifyLocked()
}

// persistSceneLocked saves the scene and its pipeline's accumulated cost.
func (s *Scheduler) persistSceneLocked(ctx context.Context, p *job.PipelineJob, sc *job.SceneJob) {
	if err := s.store.SaveScene(ctx, sc); err != nil {
		s.logger.Error("failed to persist scene state", "scene_id", sc.ID, "error", err)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		s.logger.Error("failed to persist pipeline state", "job_id", p.ID, "error", err)
	}
}

// recordCall appends one audit record. Records are consumed by observers and
// never mutated after creation.
func (s *Scheduler) recordCall(item queueItem, outcome string, started, ended time.Time, cost float64, errMsg string) {
	rec := &job.StageCallRecord{
		ID:                job.NewID(),
		PipelineJobID:     item.pipelineID,
		SceneJobID:        item.sceneID,
		Stage:             item.stage,
		Outcome:           outcome,
		StartedAt:         started,
		EndedAt:           ended,
		ProviderLatencyMs: ended.Sub(started).Milliseconds(),
		CostDelta:         cost,
		Error:             errMsg,
	}
	if err := s.store.AppendCallRecord(context.Background(), rec); err != nil {
		s.logger.Error("failed to append audit record", "job_id", item.pipelineID, "error", err)
	}
}
