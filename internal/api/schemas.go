package api

import (
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State       string         `json:"state"`
	JobsRunning int            `json:"jobs_running"`
	JobsQueued  int            `json:"jobs_queued"`
	LastError   string         `json:"last_error,omitempty"`
	SlotUsage   map[string]int `json:"slot_usage"`
}

type SubmitJobRequest struct {
	Script job.Script `json:"script"`
}

type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Scenes int    `json:"scenes"`
}

type JobResponse struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	ScriptRef       string         `json:"script_ref"`
	Status          string         `json:"status"`
	Scenes          int            `json:"scenes"`
	Attempts        map[string]int `json:"attempts,omitempty"`
	CostAccumulated float64        `json:"cost_accumulated"`
	FinalAssetRef   string         `json:"final_asset_ref,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

type JobDetailResponse struct {
	JobResponse
	SceneJobs []SceneResponse `json:"scene_jobs"`
}

type SceneResponse struct {
	ID           string            `json:"id"`
	SceneIndex   int               `json:"scene_index"`
	CurrentStage string            `json:"current_stage"`
	FailedStage  string            `json:"failed_stage,omitempty"`
	Attempts     map[string]int    `json:"attempts,omitempty"`
	FallbackUsed map[string]bool   `json:"fallback_used,omitempty"`
	Assets       map[string]string `json:"assets,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	InFlight     bool              `json:"in_flight"`
	UpdatedAt    string            `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type CallRecordResponse struct {
	ID                string  `json:"id"`
	SceneJobID        string  `json:"scene_job_id,omitempty"`
	Stage             string  `json:"stage"`
	Outcome           string  `json:"outcome"`
	StartedAt         string  `json:"started_at"`
	EndedAt           string  `json:"ended_at"`
	ProviderLatencyMs int64   `json:"provider_latency_ms"`
	CostDelta         float64 `json:"cost_delta"`
	Error             string  `json:"error,omitempty"`
}

type CallsResponse struct {
	Calls []CallRecordResponse `json:"calls"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(p *job.PipelineJob) JobResponse {
	return JobResponse{
		ID:              p.ID,
		Title:           p.Title,
		ScriptRef:       p.ScriptRef,
		Status:          p.Status,
		Scenes:          len(p.SceneJobIDs),
		Attempts:        stageInts(p.Attempts),
		CostAccumulated: p.CostAccumulated,
		FinalAssetRef:   p.FinalAssetRef,
		LastError:       p.LastError,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.Format(time.RFC3339),
	}
}

func SceneToResponse(sc *job.SceneJob) SceneResponse {
	return SceneResponse{
		ID:           sc.ID,
		SceneIndex:   sc.SceneIndex,
		CurrentStage: string(sc.CurrentStage),
		FailedStage:  string(sc.FailedStage),
		Attempts:     stageInts(sc.Attempts),
		FallbackUsed: stageBools(sc.FallbackUsed),
		Assets:       stageStrings(sc.Assets),
		LastError:    sc.LastError,
		InFlight:     sc.InFlight,
		UpdatedAt:    sc.UpdatedAt.Format(time.RFC3339),
	}
}

func CallToResponse(rec *job.StageCallRecord) CallRecordResponse {
	return CallRecordResponse{
		ID:                rec.ID,
		SceneJobID:        rec.SceneJobID,
		Stage:             string(rec.Stage),
		Outcome:           rec.Outcome,
		StartedAt:         rec.StartedAt.Format(time.RFC3339),
		EndedAt:           rec.EndedAt.Format(time.RFC3339),
		ProviderLatencyMs: rec.ProviderLatencyMs,
		CostDelta:         rec.CostDelta,
		Error:             rec.Error,
	}
}

func stageInts(m map[job.Stage]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func stageBools(m map[job.Stage]bool) map[string]bool {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func stageStrings(m map[job.Stage]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
