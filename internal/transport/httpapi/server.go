// Package httpapi serves the command API, the session views and the
// operational endpoints over plain HTTP.
package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"skyhack.ai/internal/protocol"
	"skyhack.ai/internal/service"
)

//go:embed static/index.html
var indexHTML []byte

// HistorySource is the turn index behind /api/history.
type HistorySource interface {
	RecentTurns(ctx context.Context, limit int) ([]protocol.TurnRecord, error)
}

type Options struct {
	// History is nil when indexing is disabled; /api/history then 404s.
	History HistorySource
	// Observe and Play are mounted at /api/observe and /api/play when set.
	Observe http.Handler
	Play    http.Handler
	// Observers reports connected watchers for /metrics.
	Observers func() int
	// ExtraMetrics appends process-specific series to /metrics.
	ExtraMetrics func(io.Writer)
	Logger       *log.Logger
}

type Server struct {
	svc  *service.Service
	opts Options
}

func New(svc *service.Service, opts Options) *Server {
	return &Server{svc: svc, opts: opts}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/screen.png", s.handleScreenPNG)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.handleMetrics)
	if s.opts.Observe != nil {
		mux.Handle("/api/observe", s.opts.Observe)
	}
	if s.opts.Play != nil {
		mux.Handle("/api/play", s.opts.Play)
	}
}

func (s *Server) handleIndex(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(rw, r)
		return
	}
	if !allowGet(rw, r) {
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = rw.Write(indexHTML)
}

func (s *Server) handleCommand(rw http.ResponseWriter, r *http.Request) {
	if !allowGet(rw, r) {
		return
	}
	cmd := r.URL.Query().Get("command")
	res, err := s.svc.Handle(cmd)
	if err != nil {
		var se *service.Error
		if !errors.As(err, &se) {
			se = &service.Error{Code: protocol.ErrInternal, Message: "Internal error", Err: err}
		}
		body := service.ErrorResponse(se)
		if se.Code == protocol.ErrUnrecognizedCommand {
			body.Message = fmt.Sprintf("Unrecognized command: %s", cmd)
		}
		writeJSON(rw, StatusFor(se.Code), body)
		return
	}
	writeJSON(rw, http.StatusOK, res.Response())
}

func (s *Server) handleState(rw http.ResponseWriter, r *http.Request) {
	if !allowGet(rw, r) {
		return
	}
	sess := s.svc.Snapshot()
	writeJSON(rw, http.StatusOK, protocol.StateResponse{
		Turn:     sess.TurnCount,
		Episode:  sess.Episode,
		Terminal: sess.Terminal,
		Screen:   sess.LastScreen.Text(),
	})
}

func (s *Server) handleScreenPNG(rw http.ResponseWriter, r *http.Request) {
	if !allowGet(rw, r) {
		return
	}
	_, img, err := s.svc.RenderCurrent()
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, protocol.NewError(protocol.ErrInternal, "Render failed"))
		return
	}
	rw.Header().Set("Content-Type", "image/png")
	rw.Header().Set("Cache-Control", "no-store")
	_, _ = rw.Write(img.PNG)
}

func (s *Server) handleHistory(rw http.ResponseWriter, r *http.Request) {
	if !allowGet(rw, r) {
		return
	}
	if s.opts.History == nil {
		writeJSON(rw, http.StatusNotFound, protocol.NewError(protocol.ErrBadRequest, "History is disabled"))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(rw, http.StatusBadRequest, protocol.NewError(protocol.ErrBadRequest, "limit must be 1..500"))
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	turns, err := s.opts.History.RecentTurns(ctx, limit)
	if err != nil {
		s.printf("history: %v", err)
		writeJSON(rw, http.StatusInternalServerError, protocol.NewError(protocol.ErrInternal, "History unavailable"))
		return
	}
	writeJSON(rw, http.StatusOK, protocol.HistoryResponse{Turns: turns})
}

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	sess := s.svc.Snapshot()
	st := s.svc.Stats()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP skyhack_turn Commands applied since start.\n")
	fmt.Fprintf(rw, "# TYPE skyhack_turn gauge\n")
	fmt.Fprintf(rw, "skyhack_turn %d\n", sess.TurnCount)

	fmt.Fprintf(rw, "# HELP skyhack_episode Current episode number.\n")
	fmt.Fprintf(rw, "# TYPE skyhack_episode gauge\n")
	fmt.Fprintf(rw, "skyhack_episode %d\n", sess.Episode)

	fmt.Fprintf(rw, "# HELP skyhack_requests_total Command requests by outcome.\n")
	fmt.Fprintf(rw, "# TYPE skyhack_requests_total counter\n")
	outcomes := make([]string, 0, len(st.Requests))
	for k := range st.Requests {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	for _, k := range outcomes {
		fmt.Fprintf(rw, "skyhack_requests_total{outcome=%q} %d\n", k, st.Requests[k])
	}

	fmt.Fprintf(rw, "# HELP skyhack_render_degraded_total Frames drawn with the fallback font.\n")
	fmt.Fprintf(rw, "# TYPE skyhack_render_degraded_total counter\n")
	fmt.Fprintf(rw, "skyhack_render_degraded_total %d\n", st.RenderDegraded)

	fmt.Fprintf(rw, "# HELP skyhack_new_episodes_total Episodes started by a command after the previous one ended.\n")
	fmt.Fprintf(rw, "# TYPE skyhack_new_episodes_total counter\n")
	fmt.Fprintf(rw, "skyhack_new_episodes_total %d\n", st.NewEpisodes)

	if s.opts.Observers != nil {
		fmt.Fprintf(rw, "# HELP skyhack_observers Connected observer streams.\n")
		fmt.Fprintf(rw, "# TYPE skyhack_observers gauge\n")
		fmt.Fprintf(rw, "skyhack_observers %d\n", s.opts.Observers())
	}
	if s.opts.ExtraMetrics != nil {
		s.opts.ExtraMetrics(rw)
	}
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case protocol.ErrMissingCommand, protocol.ErrUnrecognizedCommand, protocol.ErrBadRequest:
		return http.StatusBadRequest
	case protocol.ErrStepTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func allowGet(rw http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	rw.Header().Set("Allow", "GET")
	writeJSON(rw, http.StatusMethodNotAllowed, protocol.NewError(protocol.ErrBadRequest, "Method not allowed"))
	return false
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *Server) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
