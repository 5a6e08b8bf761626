// Package stage defines the uniform contract every external generation
// capability implements, plus the adapters shipped with the engine. The
// scheduler is agnostic to vendor request/response shapes; adapters translate
// them into this contract before results reach the core.
package stage

import (
	"context"

	"github.com/reelforge/reelforge-engine/internal/job"
)

// TaskHandle identifies one submitted vendor task.
type TaskHandle struct {
	ID    string
	Stage job.Stage
}

// PollStatus is the lifecycle of a submitted task.
type PollStatus string

const (
	StatusPending   PollStatus = "pending"
	StatusSucceeded PollStatus = "succeeded"
	StatusFailed    PollStatus = "failed"
)

// Input carries everything an adapter needs for one call. Scene-level stages
// consume Scene and the assets of earlier stages; assembly consumes ClipRefs
// in scene order; upload consumes the assembled video ref.
type Input struct {
	PipelineJobID string
	SceneJobID    string
	Stage         job.Stage
	Title         string
	Scene         job.SceneInputs
	Assets        map[job.Stage]string
	ClipRefs      []string
}

// PollResult is the adapter-side outcome of a poll. When Status is
// StatusFailed, Err carries the classified failure.
type PollResult struct {
	Status    PollStatus
	AssetRef  string
	CostDelta float64
	Err       error
}

// Adapter is implemented once per external capability (text-to-speech,
// text-to-image, image-to-video, assembly, upload). Submit must be cheap;
// long-running work happens vendor-side and is observed via Poll. Cancel is
// best effort: abandoning a task does not guarantee the vendor stops billing.
type Adapter interface {
	Submit(ctx context.Context, in Input) (TaskHandle, error)
	Poll(ctx context.Context, handle TaskHandle) (PollResult, error)
	Cancel(ctx context.Context, handle TaskHandle) error
}
