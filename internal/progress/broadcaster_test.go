package progress

import (
	"io"
	"log/slog"
	"testing"

	"github.com/reelforge/reelforge-engine/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := NewBroadcaster(8, testLogger())
	defer b.Close()

	sub := b.Subscribe("job-1")

	stages := []job.Stage{job.StageScript, job.StageVoice, job.StageVisual}
	for _, st := range stages {
		b.Publish(Event{Type: EventStageCompleted, PipelineJobID: "job-1", Stage: st})
	}

	for i, want := range stages {
		ev := <-sub.Events()
		if ev.Stage != want {
			t.Errorf("event %d stage = %s, want %s", i, ev.Stage, want)
		}
		if ev.At.IsZero() {
			t.Error("event timestamp not set")
		}
	}
}

func TestBroadcaster_FiltersByJob(t *testing.T) {
	b := NewBroadcaster(8, testLogger())
	defer b.Close()

	only := b.Subscribe("job-1")
	all := b.Subscribe("")

	b.Publish(Event{Type: EventStageStarted, PipelineJobID: "job-2", Stage: job.StageVoice})
	b.Publish(Event{Type: EventStageStarted, PipelineJobID: "job-1", Stage: job.StageScript})

	ev := <-only.Events()
	if ev.PipelineJobID != "job-1" {
		t.Errorf("filtered subscriber got event for %s", ev.PipelineJobID)
	}

	first := <-all.Events()
	second := <-all.Events()
	if first.PipelineJobID != "job-2" || second.PipelineJobID != "job-1" {
		t.Errorf("wildcard subscriber got %s then %s", first.PipelineJobID, second.PipelineJobID)
	}
}

func TestBroadcaster_SlowSubscriberGetsGapMarker(t *testing.T) {
	b := NewBroadcaster(2, testLogger())
	defer b.Close()

	sub := b.Subscribe("job-1")

	// fill the queue, then overflow it
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventStageProgress, PipelineJobID: "job-1", Percent: i})
	}

	// first two events made it in
	first := <-sub.Events()
	if first.Type != EventStageProgress || first.Percent != 0 {
		t.Errorf("first event = %+v", first)
	}
	<-sub.Events()

	// the next publish must deliver a gap marker before the new event
	b.Publish(Event{Type: EventStageCompleted, PipelineJobID: "job-1"})

	gap := <-sub.Events()
	if gap.Type != EventProgressGap {
		t.Fatalf("expected gap marker, got %s", gap.Type)
	}
	next := <-sub.Events()
	if next.Type != EventStageCompleted {
		t.Errorf("expected the fresh event after the gap, got %s", next.Type)
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1, testLogger())
	defer b.Close()

	_ = b.Subscribe("job-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: EventStageProgress, PipelineJobID: "job-1", Percent: i})
		}
		close(done)
	}()

	<-done
}

func TestBroadcaster_UnsubscribeClosesStream(t *testing.T) {
	b := NewBroadcaster(4, testLogger())
	defer b.Close()

	sub := b.Subscribe("job-1")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Error("stream still open after Unsubscribe")
	}

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: EventJobCompleted, PipelineJobID: "job-1"})
}

func TestBroadcaster_CloseClosesAllStreams(t *testing.T) {
	b := NewBroadcaster(4, testLogger())

	a := b.Subscribe("")
	c := b.Subscribe("job-1")
	b.Close()

	if _, ok := <-a.Events(); ok {
		t.Error("stream a still open after Close")
	}
	if _, ok := <-c.Events(); ok {
		t.Error("stream c still open after Close")
	}

	// subscribing after close yields a closed stream
	late := b.Subscribe("job-2")
	if _, ok := <-late.Events(); ok {
		t.Error("late subscription returned an open stream")
	}
}
