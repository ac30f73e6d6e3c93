package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// OnSealed, when set, gets the path of every file the writer finishes
	// with, after it is closed. It runs outside the writer lock.
	OnSealed func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	sealed := w.openPathLocked()
	err := w.closeLocked()
	w.mu.Unlock()
	w.seal(sealed)
	return err
}

func (w *JSONLZstdWriter) Write(v any) error {
	var sealed string
	defer func() { w.seal(sealed) }()
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		sealed = w.openPathLocked()
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) openPathLocked() string {
	if w.f == nil {
		return ""
	}
	return w.pathForHour(w.curHour)
}

func (w *JSONLZstdWriter) seal(path string) {
	if path != "" && w.OnSealed != nil {
		w.OnSealed(path)
	}
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// TurnEntry is one applied command.
type TurnEntry struct {
	RequestID string  `json:"request_id"`
	UnixMS    int64   `json:"unix_ms"`
	Seed      int64   `json:"seed"`
	Turn      uint64  `json:"turn"`
	Episode   int     `json:"episode"`
	Command   string  `json:"command"`
	Action    string  `json:"action"`
	Reward    float64 `json:"reward"`
	Done      bool    `json:"done"`
	// Reset means the engine was restarted before this action applied.
	Reset bool `json:"reset,omitempty"`
	// ResetReason is "terminal" or "recovery"; empty in logs that predate it.
	ResetReason string `json:"reset_reason,omitempty"`
	Digest      string `json:"digest"`
	Degraded    bool   `json:"render_degraded,omitempty"`
}

// TurnLogger writes one JSONL entry per applied command (compressed).
type TurnLogger struct{ w *JSONLZstdWriter }

func NewTurnLogger(dataDir string) *TurnLogger {
	return &TurnLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "turns"), "turns")}
}

// OnSealed registers fn for every finished hourly file, e.g. to archive it.
// Call it before the first WriteTurn.
func (l *TurnLogger) OnSealed(fn func(path string)) { l.w.OnSealed = fn }

func (l *TurnLogger) WriteTurn(e TurnEntry) error { return l.w.Write(e) }
func (l *TurnLogger) Close() error                { return l.w.Close() }
