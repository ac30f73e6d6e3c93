package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/dungeon"
	"skyhack.ai/internal/game/frame"
	"skyhack.ai/internal/game/oracle"
	"skyhack.ai/internal/game/session"
	"skyhack.ai/internal/protocol"
	"skyhack.ai/internal/render"
	"skyhack.ai/internal/service"
)

func newService(t *testing.T, o oracle.Oracle, opts session.Options) *service.Service {
	t.Helper()
	h, err := session.New(o, opts)
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
	return svc
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestCommand_MissingParameter(t *testing.T) {
	h := New(newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{}), Options{}).Handler()
	for _, target := range []string{"/api/command", "/api/command?command="} {
		rec := get(t, h, target)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", target, rec.Code)
		}
		var body protocol.ErrorResponse
		decode(t, rec, &body)
		if body.Status != "error" || body.Message != "Missing command parameter" {
			t.Fatalf("%s: body=%+v", target, body)
		}
	}
}

func TestCommand_SuccessMatchesSchema(t *testing.T) {
	svc := newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{})
	h := New(svc, Options{}).Handler()
	rec := get(t, h, "/api/command?command=wait")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	schema, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", "command_response.schema.json"))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	var doc any
	decode(t, rec, &doc)
	if err := schema.Validate(doc); err != nil {
		t.Fatalf("schema: %v", err)
	}

	var body protocol.CommandResponse
	decode(t, rec, &body)
	if body.Message != "Received command: wait" || body.Turn != 1 || body.Done {
		t.Fatalf("body=%+v", body)
	}
	raw, err := base64.StdEncoding.DecodeString(body.ImgBase64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("png: %v", err)
	}
	screen := frame.FromText(body.Screen)
	gw, lh := render.Metrics(render.DefaultGlyphSize)
	if cfg.Width != screen.Columns()*gw || cfg.Height != screen.Rows()*lh {
		t.Fatalf("png %dx%d, screen %dx%d", cfg.Width, cfg.Height, screen.Columns(), screen.Rows())
	}
}

func TestCommand_UnrecognizedLeavesTurn(t *testing.T) {
	svc := newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{})
	h := New(svc, Options{}).Handler()
	rec := get(t, h, "/api/command?command=xyzzy")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
	var body protocol.ErrorResponse
	decode(t, rec, &body)
	if body.Code != protocol.ErrUnrecognizedCommand || !strings.Contains(body.Message, "xyzzy") {
		t.Fatalf("body=%+v", body)
	}
	if svc.Snapshot().TurnCount != 0 {
		t.Fatalf("turn advanced")
	}
}

func TestCommand_AfterDoneStartsNewEpisode(t *testing.T) {
	h := New(newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{}), Options{}).Handler()
	var body protocol.CommandResponse
	decode(t, get(t, h, "/api/command?command=quit"), &body)
	if !body.Done {
		t.Fatalf("quit not done: %+v", body)
	}
	decode(t, get(t, h, "/api/command?command=wait"), &body)
	if body.Done || body.Episode != 2 || !body.NewEpisode || body.Turn != 2 {
		t.Fatalf("body=%+v", body)
	}
}

func TestCommand_MethodNotAllowed(t *testing.T) {
	svc := newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{})
	h := New(svc, Options{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/command?command=wait", nil))
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != "GET" {
		t.Fatalf("status=%d allow=%q", rec.Code, rec.Header().Get("Allow"))
	}
	if svc.Snapshot().TurnCount != 0 {
		t.Fatalf("POST advanced the session")
	}
}

// brokenOracle fails or blocks its steps on demand.
type brokenOracle struct {
	fail  bool
	block chan struct{}
}

func (b *brokenOracle) Reset() (oracle.Observation, error) { return oracle.Observation{}, nil }

func (b *brokenOracle) Step(action.Action) (oracle.StepResult, error) {
	if b.block != nil {
		<-b.block
	}
	if b.fail {
		return oracle.StepResult{}, errors.New("segfault in engine")
	}
	return oracle.StepResult{}, nil
}

func (b *brokenOracle) Render() (frame.Frame, error) { return frame.FromText("x"), nil }

func TestCommand_EngineFailureStatuses(t *testing.T) {
	h := New(newService(t, &brokenOracle{fail: true}, session.Options{}), Options{}).Handler()
	rec := get(t, h, "/api/command?command=wait")
	var body protocol.ErrorResponse
	decode(t, rec, &body)
	if rec.Code != http.StatusInternalServerError || body.Code != protocol.ErrOracleFailure {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}

	blocked := &brokenOracle{block: make(chan struct{})}
	t.Cleanup(func() { close(blocked.block) })
	h = New(newService(t, blocked, session.Options{StepTimeout: 20 * time.Millisecond}), Options{}).Handler()
	rec = get(t, h, "/api/command?command=wait")
	decode(t, rec, &body)
	if rec.Code != http.StatusGatewayTimeout || body.Code != protocol.ErrStepTimeout {
		t.Fatalf("status=%d body=%+v", rec.Code, body)
	}
}

func TestCommand_ConcurrentRequests(t *testing.T) {
	svc := newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{})
	srv := httptest.NewServer(New(svc, Options{}).Handler())
	defer srv.Close()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(srv.URL + "/api/command?command=search")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status=%d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	if got := svc.Snapshot().TurnCount; got != n {
		t.Fatalf("turn=%d want %d", got, n)
	}
}

func TestState_AndScreenPNG(t *testing.T) {
	h := New(newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{}), Options{}).Handler()
	_ = get(t, h, "/api/command?command=wait")

	var st protocol.StateResponse
	decode(t, get(t, h, "/api/state"), &st)
	if st.Turn != 1 || st.Episode != 1 || st.Terminal || st.Screen == "" {
		t.Fatalf("state=%+v", st)
	}

	rec := get(t, h, "/api/screen.png")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status=%d type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if _, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("png: %v", err)
	}
}

type fakeHistory struct {
	limit int
	err   error
}

func (f *fakeHistory) RecentTurns(_ context.Context, limit int) ([]protocol.TurnRecord, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []protocol.TurnRecord{{Turn: 2, Command: "k"}, {Turn: 1, Command: "wait"}}, nil
}

func TestHistory(t *testing.T) {
	svc := newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{})

	rec := get(t, New(svc, Options{}).Handler(), "/api/history")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("disabled history status=%d", rec.Code)
	}

	hist := &fakeHistory{}
	h := New(svc, Options{History: hist}).Handler()
	rec = get(t, h, "/api/history?limit=2")
	var body protocol.HistoryResponse
	decode(t, rec, &body)
	if rec.Code != http.StatusOK || len(body.Turns) != 2 || hist.limit != 2 {
		t.Fatalf("status=%d body=%+v limit=%d", rec.Code, body, hist.limit)
	}
	if rec := get(t, h, "/api/history?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", rec.Code)
	}

	hist.err = errors.New("db locked")
	if rec := get(t, h, "/api/history"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing history status=%d", rec.Code)
	}
}

func TestIndexHealthAndMetrics(t *testing.T) {
	svc := newService(t, dungeon.New(dungeon.Config{Seed: 1}), session.Options{})
	h := New(svc, Options{Observers: func() int { return 3 }}).Handler()

	rec := get(t, h, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/command") {
		t.Fatalf("index status=%d", rec.Code)
	}
	if rec := get(t, h, "/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path status=%d", rec.Code)
	}
	if rec := get(t, h, "/healthz"); rec.Body.String() != "ok" {
		t.Fatalf("healthz=%q", rec.Body.String())
	}

	_ = get(t, h, "/api/command?command=wait")
	_ = get(t, h, "/api/command?command=xyzzy")
	body := get(t, h, "/metrics").Body.String()
	for _, want := range []string{
		"skyhack_turn 1\n",
		"skyhack_episode 1\n",
		`skyhack_requests_total{outcome="ok"} 1`,
		`skyhack_requests_total{outcome="E_UNRECOGNIZED_COMMAND"} 1`,
		"skyhack_observers 3\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
