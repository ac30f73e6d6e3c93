// Package service turns one raw text command into one applied game step and
// its rendered screen.
package service

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/frame"
	"skyhack.ai/internal/game/oracle"
	"skyhack.ai/internal/game/session"
	tlog "skyhack.ai/internal/persistence/log"
	"skyhack.ai/internal/protocol"
	"skyhack.ai/internal/render"
)

// TurnSink receives one entry per applied command. Implementations must not
// block; the turn log and the index both queue or write quickly.
type TurnSink interface {
	WriteTurn(tlog.TurnEntry) error
}

// FrameSink is told about every applied command, e.g. the observer hub.
type FrameSink interface {
	PublishFrame(protocol.FrameMsg)
}

type Config struct {
	Holder     *session.Holder
	Vocabulary *action.Vocabulary
	Renderer   *render.Renderer
	GlyphSize  int
	// Seed is recorded in turn entries so a run can be replayed.
	Seed int64

	Logger     *log.Logger
	TurnSinks  []TurnSink
	FrameSinks []FrameSink

	// NewID and Now are replaceable in tests.
	NewID func() string
	Now   func() time.Time
}

type Service struct {
	holder    *session.Holder
	vocab     *action.Vocabulary
	renderer  *render.Renderer
	glyphSize int
	seed      int64

	logger *log.Logger
	turns  []TurnSink
	frames []FrameSink
	newID  func() string
	now    func() time.Time

	stats counters
}

type counters struct {
	ok           atomic.Uint64
	missing      atomic.Uint64
	unrecognized atomic.Uint64
	oracle       atomic.Uint64
	timeout      atomic.Uint64
	internal     atomic.Uint64
	degraded     atomic.Uint64
	newEpisodes  atomic.Uint64
}

// Stats are process-lifetime counters for /metrics.
type Stats struct {
	Requests       map[string]uint64
	RenderDegraded uint64
	NewEpisodes    uint64
}

// Result is the outcome of one successful Handle.
type Result struct {
	RequestID   string
	Command     string
	Action      action.Action
	Turn        uint64
	Episode     int
	NewEpisode  bool
	ResetReason string
	Observation oracle.Observation
	Reward      float64
	Done        bool
	Info        oracle.Info
	Screen      frame.Frame
	Image       render.Image
}

func New(cfg Config) (*Service, error) {
	if cfg.Holder == nil {
		return nil, fmt.Errorf("service: nil session holder")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("service: nil renderer")
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = action.DefaultVocabulary()
	}
	if cfg.GlyphSize <= 0 {
		cfg.GlyphSize = render.DefaultGlyphSize
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		holder:    cfg.Holder,
		vocab:     cfg.Vocabulary,
		renderer:  cfg.Renderer,
		glyphSize: cfg.GlyphSize,
		seed:      cfg.Seed,
		logger:    cfg.Logger,
		turns:     cfg.TurnSinks,
		frames:    cfg.FrameSinks,
		newID:     cfg.NewID,
		now:       cfg.Now,
	}, nil
}

// Handle validates raw, applies it under the session lock and renders the
// resulting screen outside it. On failure the returned error is an *Error.
func (s *Service) Handle(raw string) (*Result, error) {
	id := s.newID()
	if raw == "" {
		s.stats.missing.Add(1)
		return nil, &Error{Code: protocol.ErrMissingCommand, Message: "Missing command parameter", Err: ErrMissingCommand}
	}

	var (
		step   session.StepResult
		screen frame.Frame
	)
	err := s.holder.WithExclusiveAccess(func(acc *session.Access) error {
		act, err := s.vocab.Translate(raw)
		if err != nil {
			return err
		}
		step, err = acc.Advance(act)
		if err != nil {
			return err
		}
		screen = acc.Current().LastScreen
		return nil
	})
	if err != nil {
		se := classify(err)
		s.count(se.Code)
		s.printf("command id=%s raw=%q code=%s err=%v", id, raw, se.Code, se.Err)
		return nil, se
	}

	img, err := s.renderer.Render(screen, s.glyphSize)
	if err != nil {
		s.stats.internal.Add(1)
		s.printf("command id=%s turn=%d render failed: %v", id, step.Turn, err)
		return nil, &Error{Code: protocol.ErrInternal, Message: "Render failed", Err: err}
	}
	if img.Degraded {
		s.stats.degraded.Add(1)
		s.printf("RenderDegraded id=%s turn=%d reason=%v", id, step.Turn, s.renderer.Degraded())
	}
	if step.Reset {
		s.stats.newEpisodes.Add(1)
		s.printf("episode %d started id=%s reason=%s", step.Episode, id, step.ResetReason)
	}
	s.stats.ok.Add(1)
	s.printf("command id=%s raw=%q action=%s turn=%d episode=%d reward=%g done=%v",
		id, raw, step.Action, step.Turn, step.Episode, step.Reward, step.Done)

	res := &Result{
		RequestID:   id,
		Command:     raw,
		Action:      step.Action,
		Turn:        step.Turn,
		Episode:     step.Episode,
		NewEpisode:  step.Reset,
		ResetReason: step.ResetReason,
		Observation: step.Observation,
		Reward:      step.Reward,
		Done:        step.Done,
		Info:        step.Info,
		Screen:      screen,
		Image:       img,
	}
	s.publish(res)
	return res, nil
}

// Snapshot returns the current session.
func (s *Service) Snapshot() session.Session { return s.holder.Snapshot() }

// RenderCurrent renders the last committed screen without touching the engine.
func (s *Service) RenderCurrent() (session.Session, render.Image, error) {
	sess := s.holder.Snapshot()
	img, err := s.renderer.Render(sess.LastScreen, s.glyphSize)
	return sess, img, err
}

func (s *Service) Stats() Stats {
	return Stats{
		Requests: map[string]uint64{
			"ok":                            s.stats.ok.Load(),
			protocol.ErrMissingCommand:      s.stats.missing.Load(),
			protocol.ErrUnrecognizedCommand: s.stats.unrecognized.Load(),
			protocol.ErrOracleFailure:       s.stats.oracle.Load(),
			protocol.ErrStepTimeout:         s.stats.timeout.Load(),
			protocol.ErrInternal:            s.stats.internal.Load(),
		},
		RenderDegraded: s.stats.degraded.Load(),
		NewEpisodes:    s.stats.newEpisodes.Load(),
	}
}

func (s *Service) count(code string) {
	switch code {
	case protocol.ErrMissingCommand:
		s.stats.missing.Add(1)
	case protocol.ErrUnrecognizedCommand:
		s.stats.unrecognized.Add(1)
	case protocol.ErrOracleFailure:
		s.stats.oracle.Add(1)
	case protocol.ErrStepTimeout:
		s.stats.timeout.Add(1)
	default:
		s.stats.internal.Add(1)
	}
}

func (s *Service) publish(r *Result) {
	if len(s.turns) > 0 {
		e := tlog.TurnEntry{
			RequestID:   r.RequestID,
			UnixMS:      s.now().UnixMilli(),
			Seed:        s.seed,
			Turn:        r.Turn,
			Episode:     r.Episode,
			Command:     r.Command,
			Action:      r.Action.String(),
			Reward:      r.Reward,
			Done:        r.Done,
			Reset:       r.NewEpisode,
			ResetReason: r.ResetReason,
			Digest:      r.Screen.Digest(),
			Degraded:    r.Image.Degraded,
		}
		for _, t := range s.turns {
			if err := t.WriteTurn(e); err != nil {
				s.printf("turn sink: %v", err)
			}
		}
	}
	if len(s.frames) > 0 {
		msg := protocol.FrameMsg{
			Type:            protocol.TypeFrame,
			ProtocolVersion: protocol.Version,
			Turn:            r.Turn,
			Episode:         r.Episode,
			Command:         r.Command,
			Action:          r.Action.String(),
			Reward:          r.Reward,
			Done:            r.Done,
			Screen:          r.Screen.Text(),
			ImgBase64:       r.Image.Base64(),
		}
		for _, f := range s.frames {
			f.PublishFrame(msg)
		}
	}
}

func (s *Service) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Response is the JSON body for a successful command.
func (r *Result) Response() protocol.CommandResponse {
	obs := map[string]any(r.Observation)
	if obs == nil {
		obs = map[string]any{}
	}
	info := map[string]any(r.Info)
	if info == nil {
		info = map[string]any{}
	}
	return protocol.CommandResponse{
		Status:         protocol.StatusSuccess,
		Message:        "Received command: " + r.Command,
		RequestID:      r.RequestID,
		Action:         r.Action.String(),
		Obsv:           obs,
		Reward:         r.Reward,
		Done:           r.Done,
		Info:           info,
		Screen:         r.Screen.Text(),
		ImgBase64:      r.Image.Base64(),
		Turn:           r.Turn,
		Episode:        r.Episode,
		NewEpisode:     r.NewEpisode,
		RenderDegraded: r.Image.Degraded,
	}
}

// ErrorResponse is the JSON body for a failed command.
func ErrorResponse(err error) protocol.ErrorResponse {
	se := classify(err)
	return protocol.NewError(se.Code, se.Message)
}
