// Package mcptool exposes the game session to MCP clients as two tools,
// game_command and game_state, over streamable HTTP.
package mcptool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"skyhack.ai/internal/protocol"
	"skyhack.ai/internal/service"
)

const (
	serverName    = "skyhack"
	serverVersion = "1.0.0"

	defaultMaxBody = 1 << 20
)

type Options struct {
	// HMACSecret turns on signed requests. When empty, only loopback
	// clients are served.
	HMACSecret string
	ReplayTTL  time.Duration
	MaxBody    int64
	Logger     *log.Logger
	Now        func() time.Time
}

type Server struct {
	svc     *service.Service
	mcp     *mcp.Server
	secret  []byte
	replay  *replayGuard
	maxBody int64
	log     *log.Logger
	now     func() time.Time
}

// CommandInput is the game_command argument document.
type CommandInput struct {
	Command string `json:"command" jsonschema:"command text, e.g. wait, search, k, quit"`
}

// CommandOutput is the structured part of a game_command result.
type CommandOutput struct {
	Action     string  `json:"action"`
	Turn       uint64  `json:"turn"`
	Episode    int     `json:"episode"`
	NewEpisode bool    `json:"new_episode"`
	Reward     float64 `json:"reward"`
	Done       bool    `json:"done"`
	Screen     string  `json:"screen"`
}

type StateInput struct {
	IncludeImage bool `json:"include_image,omitempty" jsonschema:"also return the current screen as a PNG"`
}

type StateOutput struct {
	Turn     uint64 `json:"turn"`
	Episode  int    `json:"episode"`
	Terminal bool   `json:"terminal"`
	Screen   string `json:"screen"`
}

func NewServer(svc *service.Service, opts Options) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("mcptool: nil service")
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = defaultMaxBody
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		svc:     svc,
		maxBody: opts.MaxBody,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if secret := strings.TrimSpace(opts.HMACSecret); secret != "" {
		s.secret = []byte(secret)
		s.replay = newReplayGuard(opts.ReplayTTL)
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(s.mcp, commandTool(), s.handleCommand)
	mcp.AddTool(s.mcp, stateTool(), s.handleState)
	return s, nil
}

// MCP returns the underlying server, e.g. for in-memory transports.
func (s *Server) MCP() *mcp.Server { return s.mcp }

func commandTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "game_command",
		Description: "Apply one text command to the running game and return the new screen as text and PNG",
	}
}

func stateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "game_state",
		Description: "Return the current turn, episode and screen without advancing the game",
	}
}

func (s *Server) handleCommand(_ context.Context, _ *mcp.CallToolRequest, in CommandInput) (*mcp.CallToolResult, CommandOutput, error) {
	res, err := s.svc.Handle(in.Command)
	if err != nil {
		body := service.ErrorResponse(err)
		if body.Code == protocol.ErrUnrecognizedCommand {
			body.Message = "Unrecognized command: " + in.Command
		}
		return nil, CommandOutput{}, fmt.Errorf("%s: %s", body.Code, body.Message)
	}

	out := CommandOutput{
		Action:     res.Action.String(),
		Turn:       res.Turn,
		Episode:    res.Episode,
		NewEpisode: res.NewEpisode,
		Reward:     res.Reward,
		Done:       res.Done,
		Screen:     res.Screen.Text(),
	}
	header := fmt.Sprintf("turn %d episode %d action %s reward %g done %t", out.Turn, out.Episode, out.Action, out.Reward, out.Done)
	if out.NewEpisode {
		header += " (new episode)"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: header + "\n\n" + out.Screen},
			&mcp.ImageContent{Data: res.Image.PNG, MIMEType: "image/png"},
		},
	}, out, nil
}

func (s *Server) handleState(_ context.Context, _ *mcp.CallToolRequest, in StateInput) (*mcp.CallToolResult, StateOutput, error) {
	sess := s.svc.Snapshot()
	var content []mcp.Content
	if in.IncludeImage {
		// Render from the same snapshot the text comes from.
		current, img, err := s.svc.RenderCurrent()
		if err != nil {
			return nil, StateOutput{}, fmt.Errorf("%s: render failed", protocol.ErrInternal)
		}
		sess = current
		content = append(content, &mcp.ImageContent{Data: img.PNG, MIMEType: "image/png"})
	}
	content = append([]mcp.Content{&mcp.TextContent{Text: sess.LastScreen.Text()}}, content...)
	return &mcp.CallToolResult{Content: content}, StateOutput{
		Turn:     sess.TurnCount,
		Episode:  sess.Episode,
		Terminal: sess.Terminal,
		Screen:   sess.LastScreen.Text(),
	}, nil
}

// Handler serves the MCP streamable HTTP protocol behind request
// authentication.
func (s *Server) Handler() http.Handler {
	stream := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/mcp", s.authenticate(stream))
	return mux
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if len(s.secret) == 0 {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden: non-loopback client", http.StatusForbidden)
				return
			}
			next.ServeHTTP(rw, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
		_ = r.Body.Close()
		if err != nil {
			http.Error(rw, "bad body", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > s.maxBody {
			http.Error(rw, "body too large", http.StatusRequestEntityTooLarge)
			return
		}

		now := s.now()
		vr := verifyRequest(r, body, s.secret, now)
		if !vr.ok() {
			s.printf("mcp auth rejected remote=%s reason=%s", r.RemoteAddr, vr.Message)
			http.Error(rw, vr.Message, vr.Status)
			return
		}
		if !s.replay.allow(vr.Agent, vr.Signature, now) {
			s.printf("mcp replay rejected agent=%s remote=%s", vr.Agent, r.RemoteAddr)
			http.Error(rw, "replayed request", http.StatusConflict)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
