package job

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput marks submissions rejected before any scheduling happens.
// Invalid input is never retried.
var ErrInvalidInput = errors.New("invalid input")

// Script is the structured input for one video: a title and ordered scenes.
type Script struct {
	Title  string        `json:"title"`
	Scenes []ScriptScene `json:"scenes"`
}

// ScriptScene is one scene of the script.
type ScriptScene struct {
	Index        int     `json:"index"`
	Narration    string  `json:"narration"`
	VisualPrompt string  `json:"visual_prompt"`
	Mood         string  `json:"mood,omitempty"`
	DurationSec  float64 `json:"duration_sec,omitempty"`
}

// Validate checks the script is dispatchable. A script with zero scenes or a
// scene with empty narration is rejected outright.
func (s *Script) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: script title is required", ErrInvalidInput)
	}
	if len(s.Scenes) == 0 {
		return fmt.Errorf("%w: script has zero scenes", ErrInvalidInput)
	}
	for i, sc := range s.Scenes {
		if strings.TrimSpace(sc.Narration) == "" {
			return fmt.Errorf("%w: scene %d has empty narration", ErrInvalidInput, i)
		}
	}
	return nil
}

// Decompose turns a validated script into a pipeline job and one scene job per
// scene, in script order.
func Decompose(script *Script) (*PipelineJob, []*SceneJob, error) {
	if err := script.Validate(); err != nil {
		return nil, nil, err
	}

	pipeline := NewPipelineJob(script.Title, script.Title)
	scenes := make([]*SceneJob, 0, len(script.Scenes))
	for i, sc := range script.Scenes {
		inputs := SceneInputs{
			Narration:    sc.Narration,
			VisualPrompt: sc.VisualPrompt,
			Mood:         sc.Mood,
			DurationSec:  sc.DurationSec,
		}
		scene := NewSceneJob(pipeline.ID, i, inputs)
		scenes = append(scenes, scene)
		pipeline.SceneJobIDs = append(pipeline.SceneJobIDs, scene.ID)
	}
	return pipeline, scenes, nil
}
