package stage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
)

// vendorError represents an error response from the vendor API.
type vendorError struct {
	StatusCode int
	Body       string
}

func (e *vendorError) Error() string {
	return fmt.Sprintf("vendor responded HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx) and rate limiting (429).
// Other client errors (4xx) are considered permanent.
func (e *vendorError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPAdapter talks to a remote generation service exposing a task-based REST
// API: POST /v1/{stage}/tasks submits, GET /v1/{stage}/tasks/{id} polls,
// DELETE /v1/{stage}/tasks/{id} requests best-effort cancellation. Vendor
// response shapes are converted to the core contract here and never leak
// into the scheduler.
type HTTPAdapter struct {
	stage      job.Stage
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPAdapter creates an adapter for one stage of a remote vendor.
func NewHTTPAdapter(s job.Stage, baseURL, token string, logger *slog.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		stage:   s,
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type submitRequest struct {
	PipelineJobID string            `json:"pipeline_job_id"`
	SceneJobID    string            `json:"scene_job_id,omitempty"`
	Title         string            `json:"title,omitempty"`
	Narration     string            `json:"narration,omitempty"`
	VisualPrompt  string            `json:"visual_prompt,omitempty"`
	Mood          string            `json:"mood,omitempty"`
	DurationSec   float64           `json:"duration_sec,omitempty"`
	Assets        map[string]string `json:"assets,omitempty"`
	ClipRefs      []string          `json:"clip_refs,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type pollResponse struct {
	Status   string  `json:"status"` // pending | succeeded | failed | moderation_rejected
	AssetRef string  `json:"asset_ref,omitempty"`
	Cost     float64 `json:"cost,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func (a *HTTPAdapter) Submit(ctx context.Context, in Input) (TaskHandle, error) {
	payload := submitRequest{
		PipelineJobID: in.PipelineJobID,
		SceneJobID:    in.SceneJobID,
		Title:         in.Title,
		Narration:     in.Scene.Narration,
		VisualPrompt:  in.Scene.VisualPrompt,
		Mood:          in.Scene.Mood,
		DurationSec:   in.Scene.DurationSec,
		ClipRefs:      in.ClipRefs,
	}
	if len(in.Assets) > 0 {
		payload.Assets = make(map[string]string, len(in.Assets))
		for k, v := range in.Assets {
			payload.Assets[string(k)] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return TaskHandle{}, Terminal("marshal submit payload", err)
	}

	url := fmt.Sprintf("%s/v1/%s/tasks", a.baseURL, a.stage)
	respBody, err := a.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TaskHandle{}, a.classify("submit failed", err)
	}

	var result submitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return TaskHandle{}, Retryable("decode submit response", err)
	}
	if result.TaskID == "" {
		return TaskHandle{}, Retryable("vendor returned empty task id", nil)
	}

	a.logger.Debug("vendor task submitted",
		"stage", a.stage, "task_id", result.TaskID, "scene_id", in.SceneJobID)
	return TaskHandle{ID: result.TaskID, Stage: a.stage}, nil
}

func (a *HTTPAdapter) Poll(ctx context.Context, handle TaskHandle) (PollResult, error) {
	url := fmt.Sprintf("%s/v1/%s/tasks/%s", a.baseURL, a.stage, handle.ID)
	respBody, err := a.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, a.classify("poll failed", err)
	}

	var result pollResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return PollResult{}, Retryable("decode poll response", err)
	}

	switch result.Status {
	case "pending", "running":
		return PollResult{Status: StatusPending}, nil
	case "succeeded":
		return PollResult{Status: StatusSucceeded, AssetRef: result.AssetRef, CostDelta: result.Cost}, nil
	case "moderation_rejected":
		return PollResult{Status: StatusFailed, CostDelta: result.Cost,
			Err: ModerationRejected(result.Error)}, nil
	case "failed":
		return PollResult{Status: StatusFailed, CostDelta: result.Cost,
			Err: Retryable("vendor task failed", fmt.Errorf("%s", result.Error))}, nil
	default:
		return PollResult{}, Retryable(fmt.Sprintf("unknown vendor status %q", result.Status), nil)
	}
}

func (a *HTTPAdapter) Cancel(ctx context.Context, handle TaskHandle) error {
	url := fmt.Sprintf("%s/v1/%s/tasks/%s", a.baseURL, a.stage, handle.ID)
	if _, err := a.do(ctx, http.MethodDelete, url, nil); err != nil {
		a.logger.Warn("vendor task cancel failed", "stage", a.stage, "task_id", handle.ID, "error", err)
		return err
	}
	return nil
}

func (a *HTTPAdapter) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("X-Reelforge-Request-Id", generateRequestID())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, &vendorError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// classify converts transport-level errors into stage errors. Auth failures
// are terminal; everything else at this layer is transient.
func (a *HTTPAdapter) classify(message string, err error) *Error {
	var ve *vendorError
	if errors.As(err, &ve) {
		if ve.StatusCode == http.StatusUnauthorized || ve.StatusCode == http.StatusForbidden {
			return Terminal(message, err)
		}
		if ve.StatusCode >= 400 && ve.StatusCode < 500 && !ve.IsRetryable() {
			return Terminal(message, err)
		}
	}
	return Retryable(message, err)
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
