package mcptool

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"skyhack.ai/internal/game/dungeon"
	"skyhack.ai/internal/game/session"
	"skyhack.ai/internal/render"
	"skyhack.ai/internal/service"
)

func newTestServer(t *testing.T, opts Options) (*Server, *service.Service) {
	t.Helper()
	h, err := session.New(dungeon.New(dungeon.Config{Seed: 9}), session.Options{})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	r, err := render.New(render.Options{})
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	svc, err := service.New(service.Config{Holder: h, Renderer: r})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	s, err := NewServer(svc, opts)
	if err != nil {
		t.Fatalf("mcptool: %v", err)
	}
	return s, svc
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	serverT, clientT := mcp.NewInMemoryTransports()
	if _, err := s.MCP().Connect(ctx, serverT, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestGameCommand_ReturnsTextAndImage(t *testing.T) {
	s, svc := newTestServer(t, Options{})
	session := connect(t, s)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "game_command",
		Arguments: map[string]any{"command": "wait"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	if len(res.Content) != 2 {
		t.Fatalf("content len=%d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || !strings.HasPrefix(text.Text, "turn 1 episode 1") {
		t.Fatalf("text content=%#v", res.Content[0])
	}
	img, ok := res.Content[1].(*mcp.ImageContent)
	if !ok || img.MIMEType != "image/png" {
		t.Fatalf("image content=%#v", res.Content[1])
	}
	if _, err := png.DecodeConfig(bytes.NewReader(img.Data)); err != nil {
		t.Fatalf("png: %v", err)
	}
	if got := svc.Snapshot().TurnCount; got != 1 {
		t.Fatalf("turn=%d", got)
	}
}

func TestGameCommand_UnrecognizedIsToolError(t *testing.T) {
	s, svc := newTestServer(t, Options{})
	session := connect(t, s)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "game_command",
		Arguments: map[string]any{"command": "xyzzy"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error")
	}
	if svc.Snapshot().TurnCount != 0 {
		t.Fatalf("turn advanced")
	}
}

func TestGameState(t *testing.T) {
	s, svc := newTestServer(t, Options{})
	if _, err := svc.Handle("search"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	session := connect(t, s)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "game_state",
		Arguments: map[string]any{"include_image": true},
	})
	if err != nil || res.IsError {
		t.Fatalf("call: err=%v res=%+v", err, res)
	}
	if len(res.Content) != 2 {
		t.Fatalf("content len=%d", len(res.Content))
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != svc.Snapshot().LastScreen.Text() {
		t.Fatalf("text content=%#v", res.Content[0])
	}
	if svc.Snapshot().TurnCount != 1 {
		t.Fatalf("game_state advanced the session")
	}
}

func TestHandler_LoopbackOnlyWithoutSecret(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	req.RemoteAddr = "10.0.0.7:5555"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestHandler_SignedRequests(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	s, _ := newTestServer(t, Options{HMACSecret: "topsecret", Now: func() time.Time { return now }})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	post := func(sign bool) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if sign {
			SignRequest(req, body, []byte("topsecret"), "agent_1", "n-1", now)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(false); code != http.StatusUnauthorized {
		t.Fatalf("unsigned status=%d", code)
	}
	if code := post(true); code == http.StatusUnauthorized || code == http.StatusConflict {
		t.Fatalf("signed status=%d", code)
	}
	if code := post(true); code != http.StatusConflict {
		t.Fatalf("replayed status=%d", code)
	}
}
