package job

import (
	"errors"
	"testing"
)

func TestScript_Validate(t *testing.T) {
	valid := &Script{
		Title: "Test Video",
		Scenes: []ScriptScene{
			{Index: 0, Narration: "Once upon a time", VisualPrompt: "a castle at dusk"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestScript_Validate_NoScenes(t *testing.T) {
	s := &Script{Title: "Empty"}
	err := s.Validate()
	if err == nil {
		t.Fatal("Validate() should reject a script with zero scenes")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestScript_Validate_EmptyNarration(t *testing.T) {
	s := &Script{
		Title: "Test",
		Scenes: []ScriptScene{
			{Index: 0, Narration: "fine"},
			{Index: 1, Narration: "   "},
		},
	}
	err := s.Validate()
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestScript_Validate_NoTitle(t *testing.T) {
	s := &Script{Scenes: []ScriptScene{{Narration: "hello"}}}
	if err := s.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestDecompose(t *testing.T) {
	script := &Script{
		Title: "Three Scenes",
		Scenes: []ScriptScene{
			{Index: 0, Narration: "one", VisualPrompt: "first", Mood: "calm"},
			{Index: 1, Narration: "two", VisualPrompt: "second"},
			{Index: 2, Narration: "three", VisualPrompt: "third", DurationSec: 4.5},
		},
	}

	p, scenes, err := Decompose(script)
	if err != nil {
		t.Fatalf("Decompose() error = %v", err)
	}

	if p.Status != StatusQueued {
		t.Errorf("pipeline status = %s, want %s", p.Status, StatusQueued)
	}
	if len(scenes) != 3 {
		t.Fatalf("got %d scenes, want 3", len(scenes))
	}
	if len(p.SceneJobIDs) != 3 {
		t.Fatalf("pipeline references %d scenes, want 3", len(p.SceneJobIDs))
	}

	for i, sc := range scenes {
		if sc.PipelineJobID != p.ID {
			t.Errorf("scene %d pipeline ID = %s, want %s", i, sc.PipelineJobID, p.ID)
		}
		if sc.SceneIndex != i {
			t.Errorf("scene %d index = %d", i, sc.SceneIndex)
		}
		if sc.CurrentStage != StageScript {
			t.Errorf("scene %d stage = %s, want %s", i, sc.CurrentStage, StageScript)
		}
		if p.SceneJobIDs[i] != sc.ID {
			t.Errorf("SceneJobIDs[%d] = %s, want %s", i, p.SceneJobIDs[i], sc.ID)
		}
	}

	if scenes[2].Inputs.DurationSec != 4.5 {
		t.Errorf("scene 2 duration = %v, want 4.5", scenes[2].Inputs.DurationSec)
	}
}

func TestDecompose_InvalidScript(t *testing.T) {
	_, _, err := Decompose(&Script{Title: "no scenes"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestNextSceneStage(t *testing.T) {
	cases := []struct {
		in   Stage
		want Stage
		ok   bool
	}{
		{StageScript, StageVoice, true},
		{StageVoice, StageVisual, true},
		{StageVisual, StageVideoClip, true},
		{StageVideoClip, SceneReady, true},
		{StageAssembly, "", false},
		{SceneReady, "", false},
	}
	for _, c := range cases {
		got, ok := NextSceneStage(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("NextSceneStage(%s) = (%s, %v), want (%s, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		if !TerminalStatus(status) {
			t.Errorf("TerminalStatus(%s) = false, want true", status)
		}
	}
	for _, status := range []string{StatusQueued, StatusRunning, StatusAssembling, StatusUploading} {
		if TerminalStatus(status) {
			t.Errorf("TerminalStatus(%s) = true, want false", status)
		}
	}
}

func TestSceneJob_Clone(t *testing.T) {
	sc := NewSceneJob("pipe-1", 0, SceneInputs{Narration: "hi"})
	sc.Attempts[StageVoice] = 2
	sc.Assets[StageScript] = "ref"

	c := sc.Clone()
	c.Attempts[StageVoice] = 9
	c.Assets[StageScript] = "other"

	if sc.Attempts[StageVoice] != 2 {
		t.Error("Clone() shares the attempts map")
	}
	if sc.Assets[StageScript] != "ref" {
		t.Error("Clone() shares the assets map")
	}
}
