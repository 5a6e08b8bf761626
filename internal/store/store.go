// Package store persists pipeline and scene job state. It is the single
// source of truth: the scheduler writes every transition here before
// broadcasting it, so a crash loses at most a UI update, never job state.
package store

import (
	"context"

	"github.com/reelforge/reelforge-engine/internal/job"
)

type Store interface {
	// CreatePipeline persists a pipeline job and its scene jobs atomically.
	CreatePipeline(ctx context.Context, p *job.PipelineJob, scenes []*job.SceneJob) error
	SavePipeline(ctx context.Context, p *job.PipelineJob) error
	SaveScene(ctx context.Context, s *job.SceneJob) error

	GetPipeline(ctx context.Context, id string) (*job.PipelineJob, error)
	GetScene(ctx context.Context, id string) (*job.SceneJob, error)
	ListScenes(ctx context.Context, pipelineID string) ([]*job.SceneJob, error)
	ListPipelines(ctx context.Context, limit int) ([]*job.PipelineJob, error)
	// ListActivePipelines returns every pipeline in a non-terminal status,
	// used for crash recovery on startup.
	ListActivePipelines(ctx context.Context) ([]*job.PipelineJob, error)
	// ClearInFlight drops the in-flight marker from all scenes. Interrupted
	// calls are re-treated as fresh attempts; attempt counters are untouched.
	ClearInFlight(ctx context.Context) (int64, error)

	AppendCallRecord(ctx context.Context, rec *job.StageCallRecord) error
	ListCallRecords(ctx context.Context, pipelineID string, limit int) ([]*job.StageCallRecord, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
