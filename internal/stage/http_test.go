package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reelforge/reelforge-engine/internal/job"
)

func TestHTTPAdapter_SubmitAndPoll(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodPost:
			gotPath = r.URL.Path
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad submit body: %v", err)
			}
			if req["narration"] != "hello" {
				t.Errorf("narration = %v", req["narration"])
			}
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"status": "succeeded", "asset_ref": "vendor://voice/a.mp3", "cost": 0.11,
			})
		}
	}))
	defer srv.Close()

	a := NewHTTPAdapter(job.StageVoice, srv.URL, "secret", testLogger())
	ctx := context.Background()

	handle, err := a.Submit(ctx, Input{
		PipelineJobID: "p1",
		SceneJobID:    "s1",
		Scene:         job.SceneInputs{Narration: "hello"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.ID != "task-1" {
		t.Errorf("task id = %s", handle.ID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/voice/tasks" {
		t.Errorf("submit path = %s", gotPath)
	}

	res, err := a.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", res.Status)
	}
	if res.AssetRef != "vendor://voice/a.mp3" {
		t.Errorf("asset = %s", res.AssetRef)
	}
	if res.CostDelta != 0.11 {
		t.Errorf("cost = %v", res.CostDelta)
	}
}

func TestHTTPAdapter_PollStatusMapping(t *testing.T) {
	cases := []struct {
		vendor  string
		status  PollStatus
		errKind ErrorKind
	}{
		{"pending", StatusPending, ""},
		{"running", StatusPending, ""},
		{"moderation_rejected", StatusFailed, KindModeration},
		{"failed", StatusFailed, KindRetryable},
	}

	for _, c := range cases {
		t.Run(c.vendor, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": c.vendor, "error": "nope"})
			}))
			defer srv.Close()

			a := NewHTTPAdapter(job.StageVisual, srv.URL, "t", testLogger())
			res, err := a.Poll(context.Background(), TaskHandle{ID: "x", Stage: job.StageVisual})
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if res.Status != c.status {
				t.Errorf("status = %s, want %s", res.Status, c.status)
			}
			if c.errKind != "" && KindOf(res.Err) != c.errKind {
				t.Errorf("err kind = %s, want %s", KindOf(res.Err), c.errKind)
			}
		})
	}
}

func TestHTTPAdapter_ErrorClassification(t *testing.T) {
	cases := []struct {
		code int
		kind ErrorKind
	}{
		{http.StatusInternalServerError, KindRetryable},
		{http.StatusTooManyRequests, KindRetryable},
		{http.StatusUnauthorized, KindTerminal},
		{http.StatusForbidden, KindTerminal},
		{http.StatusUnprocessableEntity, KindTerminal},
	}

	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.code)
		}))

		a := NewHTTPAdapter(job.StageScript, srv.URL, "t", testLogger())
		_, err := a.Submit(context.Background(), Input{SceneJobID: "s1"})
		if err == nil {
			t.Errorf("code %d: Submit() should fail", c.code)
		} else if KindOf(err) != c.kind {
			t.Errorf("code %d: kind = %s, want %s", c.code, KindOf(err), c.kind)
		}
		srv.Close()
	}
}

func TestHTTPAdapter_EmptyTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(job.StageScript, srv.URL, "t", testLogger())
	_, err := a.Submit(context.Background(), Input{SceneJobID: "s1"})
	if KindOf(err) != KindRetryable {
		t.Errorf("kind = %s, want retryable", KindOf(err))
	}
}
