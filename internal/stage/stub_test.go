package stage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStubAdapter_Lifecycle(t *testing.T) {
	a := NewStubAdapter(job.StageVoice, 30*time.Millisecond, 0.02, testLogger())
	ctx := context.Background()

	handle, err := a.Submit(ctx, Input{PipelineJobID: "p1", SceneJobID: "s1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if handle.Stage != job.StageVoice {
		t.Errorf("handle stage = %s", handle.Stage)
	}

	res, err := a.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Status != StatusPending {
		t.Errorf("immediate poll = %s, want pending", res.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err = a.Poll(ctx, handle)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if res.Status == StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stub task never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !strings.HasPrefix(res.AssetRef, "stub://voice/") {
		t.Errorf("asset ref = %s", res.AssetRef)
	}
	if res.CostDelta != 0.02 {
		t.Errorf("cost = %v, want 0.02", res.CostDelta)
	}
}

func TestStubAdapter_Cancel(t *testing.T) {
	a := NewStubAdapter(job.StageVisual, time.Hour, 0, testLogger())
	ctx := context.Background()

	handle, err := a.Submit(ctx, Input{SceneJobID: "s1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := a.Cancel(ctx, handle); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	res, err := a.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("cancelled task poll = %s, want failed", res.Status)
	}
}

func TestStubAdapter_UnknownTask(t *testing.T) {
	a := NewStubAdapter(job.StageScript, 0, 0, testLogger())

	_, err := a.Poll(context.Background(), TaskHandle{ID: "missing", Stage: job.StageScript})
	if err == nil {
		t.Fatal("Poll() on unknown task should fail")
	}
	if KindOf(err) != KindTerminal {
		t.Errorf("error kind = %s, want terminal", KindOf(err))
	}
}
