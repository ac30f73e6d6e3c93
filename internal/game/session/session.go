// Package session owns the single live game session and serializes every
// engine call behind one lock.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/frame"
	"skyhack.ai/internal/game/oracle"
)

var (
	// ErrOracleFailure wraps any error or panic raised by the engine.
	ErrOracleFailure = errors.New("oracle failure")
	// ErrStepTimeout is returned when an engine call exceeds the configured bound.
	ErrStepTimeout = errors.New("oracle step timed out")
	// ErrAccessReleased is returned when an Access is used after its scope ended.
	ErrAccessReleased = errors.New("session access used outside its scope")
)

// Why Advance started a new episode.
const (
	ResetTerminal = "terminal"
	ResetRecovery = "recovery"
)

// Session is a point-in-time copy of the live session.
type Session struct {
	TurnCount       uint64
	Episode         int
	Terminal        bool
	LastObservation oracle.Observation
	LastScreen      frame.Frame
}

// StepResult is the engine's raw result plus the session bookkeeping it caused.
type StepResult struct {
	oracle.StepResult
	Action  action.Action
	Turn    uint64
	Episode int
	// Reset is true when a new episode was started before the action applied.
	Reset bool
	// ResetReason is ResetTerminal or ResetRecovery when Reset is set.
	ResetReason string
}

type Options struct {
	// StepTimeout bounds each engine call. Zero means no bound.
	StepTimeout time.Duration
}

// Holder guards the engine and the session it drives.
type Holder struct {
	mu      sync.Mutex
	oracle  oracle.Oracle
	timeout time.Duration

	sess Session

	// dirty is set when the engine may have moved without the session
	// recording it (failed or abandoned call). The next Advance resets.
	dirty bool
	// abandoned is closed when a timed-out engine call finally returns.
	abandoned chan struct{}
}

// New resets o to start the first episode.
func New(o oracle.Oracle, opts Options) (*Holder, error) {
	if o == nil {
		return nil, fmt.Errorf("session: nil oracle")
	}
	h := &Holder{oracle: o, timeout: opts.StepTimeout}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.resetLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

// Access is the handle passed to WithExclusiveAccess callbacks. It must not
// be retained past the callback.
type Access struct {
	h *Holder
}

// WithExclusiveAccess runs fn while holding the session lock. The lock is
// released on every exit path, panics included.
func (h *Holder) WithExclusiveAccess(fn func(*Access) error) error {
	h.mu.Lock()
	acc := &Access{h: h}
	defer func() {
		acc.h = nil
		h.mu.Unlock()
	}()
	return fn(acc)
}

// Snapshot copies the current session under the lock.
func (h *Holder) Snapshot() Session {
	var s Session
	_ = h.WithExclusiveAccess(func(a *Access) error {
		s = a.Current()
		return nil
	})
	return s
}

// Current returns a copy of the session.
func (a *Access) Current() Session {
	if a.h == nil {
		return Session{}
	}
	s := a.h.sess
	s.LastObservation = s.LastObservation.Clone()
	return s
}

// Advance applies one action. If the previous episode ended, or an earlier
// engine call left the engine in an unknown state, a new episode is started
// first. Nothing is committed unless the step and the post-step render both
// succeed.
func (a *Access) Advance(act action.Action) (StepResult, error) {
	h := a.h
	if h == nil {
		return StepResult{}, ErrAccessReleased
	}
	if !act.Valid() {
		return StepResult{}, fmt.Errorf("session: invalid action %d", act)
	}
	if err := h.drainAbandoned(); err != nil {
		return StepResult{}, err
	}

	reset, reason := false, ""
	if h.sess.Terminal || h.dirty {
		reason = ResetTerminal
		if h.dirty {
			reason = ResetRecovery
		}
		if err := h.resetLocked(); err != nil {
			return StepResult{}, err
		}
		reset = true
	}

	var res oracle.StepResult
	if err := h.call(func() error {
		var err error
		res, err = h.oracle.Step(act)
		return err
	}); err != nil {
		return StepResult{}, err
	}

	var screen frame.Frame
	if err := h.call(func() error {
		var err error
		screen, err = h.oracle.Render()
		return err
	}); err != nil {
		return StepResult{}, err
	}

	h.sess.TurnCount++
	h.sess.LastObservation = res.Observation
	h.sess.Terminal = res.Done
	h.sess.LastScreen = screen

	return StepResult{
		StepResult:  res,
		Action:      act,
		Turn:        h.sess.TurnCount,
		Episode:     h.sess.Episode,
		Reset:       reset,
		ResetReason: reason,
	}, nil
}

// Invalidate marks the engine state as unknown, so the next Advance starts a
// new episode with ResetRecovery. Replaying a log uses it to reproduce
// recovery resets.
func (a *Access) Invalidate() {
	if a.h != nil {
		a.h.dirty = true
	}
}

// Frame asks the engine for its current screen.
func (a *Access) Frame() (frame.Frame, error) {
	h := a.h
	if h == nil {
		return frame.Frame{}, ErrAccessReleased
	}
	if err := h.drainAbandoned(); err != nil {
		return frame.Frame{}, err
	}
	var f frame.Frame
	err := h.call(func() error {
		var err error
		f, err = h.oracle.Render()
		return err
	})
	return f, err
}

// resetLocked starts a new episode. Callers hold h.mu.
func (h *Holder) resetLocked() error {
	var obs oracle.Observation
	if err := h.call(func() error {
		var err error
		obs, err = h.oracle.Reset()
		return err
	}); err != nil {
		return err
	}
	var screen frame.Frame
	if err := h.call(func() error {
		var err error
		screen, err = h.oracle.Render()
		return err
	}); err != nil {
		return err
	}
	h.dirty = false
	h.sess.Episode++
	h.sess.Terminal = false
	h.sess.LastObservation = obs
	h.sess.LastScreen = screen
	return nil
}

// drainAbandoned waits for a previously timed-out call to return before the
// engine is touched again.
func (h *Holder) drainAbandoned() error {
	if h.abandoned == nil {
		return nil
	}
	if h.timeout <= 0 {
		<-h.abandoned
		h.abandoned = nil
		return nil
	}
	t := time.NewTimer(h.timeout)
	defer t.Stop()
	select {
	case <-h.abandoned:
		h.abandoned = nil
		return nil
	case <-t.C:
		return fmt.Errorf("%w: previous call still running", ErrStepTimeout)
	}
}

// call runs fn against the engine with panic recovery and the optional
// timeout. Any failure marks the engine dirty.
func (h *Holder) call(fn func() error) error {
	run := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}

	if h.timeout <= 0 {
		if err := run(); err != nil {
			h.dirty = true
			return fmt.Errorf("%w: %v", ErrOracleFailure, err)
		}
		return nil
	}

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		err = run()
	}()
	t := time.NewTimer(h.timeout)
	defer t.Stop()
	select {
	case <-done:
		if err != nil {
			h.dirty = true
			return fmt.Errorf("%w: %v", ErrOracleFailure, err)
		}
		return nil
	case <-t.C:
		h.dirty = true
		h.abandoned = done
		return ErrStepTimeout
	}
}
