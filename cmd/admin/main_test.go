package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	persistlog "skyhack.ai/internal/persistence/log"
)

func writeLog(t *testing.T, dir string, turns ...uint64) {
	t.Helper()
	tl := persistlog.NewTurnLogger(dir)
	for _, n := range turns {
		ep := 1
		if n > 3 {
			ep = 2
		}
		if err := tl.WriteTurn(persistlog.TurnEntry{RequestID: "r", Turn: n, Episode: ep, Command: "wait", Action: "wait", Reward: 1, Digest: "d"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReindexThenQuery(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 1, 2, 3, 4, 5)

	var out bytes.Buffer
	if code := reindexCmd([]string{"-data", dir}, &out); code != 0 {
		t.Fatalf("reindex exit=%d out=%s", code, out.String())
	}
	if !strings.Contains(out.String(), "entries=5 written=5 dropped=0") {
		t.Fatalf("reindex out=%s", out.String())
	}

	out.Reset()
	if code := turnsCmd([]string{"-data", dir, "-limit", "2"}, &out); code != 0 {
		t.Fatalf("turns exit=%d", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"turn":5`) {
		t.Fatalf("turns out=%s", out.String())
	}

	out.Reset()
	if code := episodesCmd([]string{"-data", dir}, &out); code != 0 {
		t.Fatalf("episodes exit=%d", code)
	}
	if !strings.HasPrefix(out.String(), `{"episode":2,"first_turn":4,"last_turn":5,"turns":2`) {
		t.Fatalf("episodes out=%s", out.String())
	}
}

func TestLogsCmd(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, 7, 8, 9)
	var out bytes.Buffer
	if code := logsCmd([]string{"-data", dir}, &out); code != 0 {
		t.Fatalf("exit=%d", code)
	}
	if !strings.Contains(out.String(), "entries=3 turns=7..9") {
		t.Fatalf("out=%s", out.String())
	}
}

func TestGetCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/state" {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write([]byte(`{"turn":3}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if code := getCmd("state", "/api/state", []string{"-url", srv.URL + "/"}, &out); code != 0 || out.String() != `{"turn":3}` {
		t.Fatalf("exit=%d out=%s", code, out.String())
	}
	if code := getCmd("metrics", "/metrics", []string{"-url", srv.URL}, &out); code != 1 {
		t.Fatalf("404 exit=%d", code)
	}
}
