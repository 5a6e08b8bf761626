package job

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies one generation step. Scene stages run in a fixed order per
// scene; assembly and upload run once per pipeline after all scenes are ready.
type Stage string

const (
	StageScript    Stage = "script"
	StageVoice     Stage = "voice"
	StageVisual    Stage = "visual"
	StageVideoClip Stage = "video_clip"
	StageAssembly  Stage = "assembly"
	StageUpload    Stage = "upload"

	// SceneReady and SceneFailed are terminal positions for a scene, not
	// dispatchable stages.
	SceneReady  Stage = "ready"
	SceneFailed Stage = "failed"
)

// SceneStages is the fixed per-scene stage sequence. No transition skips a stage.
var SceneStages = []Stage{StageScript, StageVoice, StageVisual, StageVideoClip}

// NextSceneStage returns the stage following s in the scene sequence. The stage
// after the last generation stage is SceneReady.
func NextSceneStage(s Stage) (Stage, bool) {
	for i, st := range SceneStages {
		if st != s {
			continue
		}
		if i == len(SceneStages)-1 {
			return SceneReady, true
		}
		return SceneStages[i+1], true
	}
	return "", false
}

// IsSceneStage reports whether s is a dispatchable per-scene stage.
func IsSceneStage(s Stage) bool {
	for _, st := range SceneStages {
		if st == s {
			return true
		}
	}
	return false
}

const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusAssembling = "assembling"
	StatusUploading  = "uploading"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a pipeline status admits no further transitions
// short of an explicit user retry.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// PipelineJob is one end-to-end video request: an ordered set of scene jobs plus
// the pipeline-level assembly and upload stages.
type PipelineJob struct {
	ID              string        `json:"id"`
	ScriptRef       string        `json:"script_ref"`
	Title           string        `json:"title"`
	Status          string        `json:"status"`
	SceneJobIDs     []string      `json:"scene_job_ids"`
	Attempts        map[Stage]int `json:"attempts"` // assembly/upload only
	CostAccumulated float64       `json:"cost_accumulated"`
	FinalAssetRef   string        `json:"final_asset_ref,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SceneJob is the per-scene unit of work moving through the stage sequence.
// It is mutated only by the scheduler.
type SceneJob struct {
	ID            string           `json:"id"`
	PipelineJobID string           `json:"pipeline_job_id"`
	SceneIndex    int              `json:"scene_index"`
	CurrentStage  Stage            `json:"current_stage"`
	FailedStage   Stage            `json:"failed_stage,omitempty"` // stage that was active when CurrentStage became failed
	Attempts      map[Stage]int    `json:"attempts"`
	FallbackUsed  map[Stage]bool   `json:"fallback_used"`
	Inputs        SceneInputs      `json:"inputs"`
	Assets        map[Stage]string `json:"assets"`
	LastError     string           `json:"last_error,omitempty"`
	InFlight      bool             `json:"in_flight"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Terminal reports whether the scene has reached ready or failed.
func (s *SceneJob) Terminal() bool {
	return s.CurrentStage == SceneReady || s.CurrentStage == SceneFailed
}

// Clone returns a deep copy safe to hand to readers outside the scheduler.
func (s *SceneJob) Clone() *SceneJob {
	c := *s
	c.Attempts = make(map[Stage]int, len(s.Attempts))
	for k, v := range s.Attempts {
		c.Attempts[k] = v
	}
	c.FallbackUsed = make(map[Stage]bool, len(s.FallbackUsed))
	for k, v := range s.FallbackUsed {
		c.FallbackUsed[k] = v
	}
	c.Assets = make(map[Stage]string, len(s.Assets))
	for k, v := range s.Assets {
		c.Assets[k] = v
	}
	return &c
}

// Clone returns a deep copy of the pipeline job.
func (p *PipelineJob) Clone() *PipelineJob {
	c := *p
	c.SceneJobIDs = append([]string(nil), p.SceneJobIDs...)
	c.Attempts = make(map[Stage]int, len(p.Attempts))
	for k, v := range p.Attempts {
		c.Attempts[k] = v
	}
	return &c
}

// SceneInputs carries the per-stage parameters for one scene. The moderation
// fallback rewrites these before the single fallback attempt.
type SceneInputs struct {
	Narration    string  `json:"narration"`
	VisualPrompt string  `json:"visual_prompt"`
	Mood         string  `json:"mood,omitempty"`
	DurationSec  float64 `json:"duration_sec,omitempty"`
}

// Stage call outcomes recorded in the audit trail.
const (
	OutcomeSuccess    = "success"
	OutcomeRetryable  = "retryable_failure"
	OutcomeTerminal   = "terminal_failure"
	OutcomeModeration = "moderation_rejected"
	OutcomeAbandoned  = "abandoned"
)

// StageCallRecord is an append-only audit entry for a single adapter call.
// Never mutated after creation.
type StageCallRecord struct {
	ID                string    `json:"id"`
	PipelineJobID     string    `json:"pipeline_job_id"`
	SceneJobID        string    `json:"scene_job_id,omitempty"`
	Stage             Stage     `json:"stage"`
	Outcome           string    `json:"outcome"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	ProviderLatencyMs int64     `json:"provider_latency_ms"`
	CostDelta         float64   `json:"cost_delta"`
	Error             string    `json:"error,omitempty"`
}

// NewID returns a fresh identifier for jobs, scenes and call records.
func NewID() string {
	return uuid.NewString()
}

// NewPipelineJob creates a queued pipeline job for the given script reference.
func NewPipelineJob(scriptRef, title string) *PipelineJob {
	now := time.Now().UTC()
	return &PipelineJob{
		ID:        NewID(),
		ScriptRef: scriptRef,
		Title:     title,
		Status:    StatusQueued,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSceneJob creates a scene job at the first stage of the sequence.
func NewSceneJob(pipelineID string, index int, inputs SceneInputs) *SceneJob {
	now := time.Now().UTC()
	return &SceneJob{
		ID:            NewID(),
		PipelineJobID: pipelineID,
		SceneIndex:    index,
		CurrentStage:  StageScript,
		Attempts:      make(map[Stage]int),
		FallbackUsed:  make(map[Stage]bool),
		Inputs:        inputs,
		Assets:        make(map[Stage]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
