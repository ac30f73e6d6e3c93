package oracle

import (
	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/frame"
)

// Observation is the engine's structured view of the game. Its shape belongs to
// the engine; callers treat it as an opaque document.
type Observation map[string]any

// Info carries auxiliary per-step metadata from the engine.
type Info map[string]any

// StepResult is the raw outcome of a single engine step.
type StepResult struct {
	Observation Observation
	Reward      float64
	Done        bool
	Info        Info
}

// Oracle is a single-threaded game engine. Implementations are not safe for
// concurrent use; callers serialize access.
type Oracle interface {
	// Reset starts a new episode.
	Reset() (Observation, error)
	// Step applies exactly one action.
	Step(a action.Action) (StepResult, error)
	// Render returns the current screen.
	Render() (frame.Frame, error)
}

// Clone returns a shallow copy of o so callers can hand it out without
// sharing the top-level map.
func (o Observation) Clone() Observation {
	if o == nil {
		return nil
	}
	out := make(Observation, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

func (i Info) Clone() Info {
	if i == nil {
		return nil
	}
	out := make(Info, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}
