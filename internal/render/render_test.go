package render

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"path/filepath"
	"sync"
	"testing"

	"skyhack.ai/internal/game/dungeon"
	"skyhack.ai/internal/game/frame"
)

func newRenderer(t *testing.T, opts Options) *Renderer {
	t.Helper()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return r
}

func TestRender_Deterministic(t *testing.T) {
	r := newRenderer(t, Options{})
	f := frame.FromText("@..#\n|..>|")
	a, err := r.Render(f, DefaultGlyphSize)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := r.Render(f, DefaultGlyphSize)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(a.PNG, b.PNG) {
		t.Fatalf("same frame rendered to different bytes")
	}
	if a.Degraded {
		t.Fatalf("embedded font should not be degraded")
	}
}

func TestRender_Dimensions(t *testing.T) {
	r := newRenderer(t, Options{})
	d := dungeon.New(dungeon.Config{Seed: 3})
	if _, err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	f, _ := d.Render()
	img, err := r.Render(f, DefaultGlyphSize)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	gw, lh := Metrics(DefaultGlyphSize)
	if img.Width != f.Columns()*gw || img.Height != f.Rows()*lh {
		t.Fatalf("size=%dx%d want %dx%d", img.Width, img.Height, f.Columns()*gw, f.Rows()*lh)
	}

	raw, err := base64.StdEncoding.DecodeString(img.Base64())
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if cfg.Width != img.Width || cfg.Height != img.Height {
		t.Fatalf("png size=%dx%d want %dx%d", cfg.Width, cfg.Height, img.Width, img.Height)
	}
}

func TestRender_DrawsGlyphsInTheirCell(t *testing.T) {
	r := newRenderer(t, Options{})
	img, err := r.Render(frame.FromText("  #"), DefaultGlyphSize)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(img.PNG))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gw, lh := Metrics(DefaultGlyphSize)
	lit := func(x0, x1 int) bool {
		for y := 0; y < lh; y++ {
			for x := x0; x < x1; x++ {
				if r, _, _, _ := decoded.At(x, y).RGBA(); r > 0 {
					return true
				}
			}
		}
		return false
	}
	if lit(0, 2*gw) {
		t.Fatalf("blank cells were drawn")
	}
	if !lit(2*gw, 3*gw) {
		t.Fatalf("glyph cell is empty")
	}
}

func TestRender_EmptyFrameIsOnePixel(t *testing.T) {
	r := newRenderer(t, Options{})
	img, err := r.Render(frame.Frame{}, DefaultGlyphSize)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if img.Width != 1 || img.Height != 1 {
		t.Fatalf("size=%dx%d want 1x1", img.Width, img.Height)
	}
}

func TestRender_RejectsTinyGlyphs(t *testing.T) {
	r := newRenderer(t, Options{})
	if _, err := r.Render(frame.FromText("x"), 1); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_MissingFontFallsBack(t *testing.T) {
	r := newRenderer(t, Options{FontPath: filepath.Join(t.TempDir(), "missing.ttf")})
	if r.Degraded() == nil {
		t.Fatalf("expected degraded renderer")
	}
	f := frame.FromText("hello\nworld")
	img, err := r.Render(f, DefaultGlyphSize)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !img.Degraded {
		t.Fatalf("image should report degraded")
	}
	gw, lh := Metrics(DefaultGlyphSize)
	if img.Width != 5*gw || img.Height != 2*lh {
		t.Fatalf("size=%dx%d", img.Width, img.Height)
	}
}

func TestRender_Concurrent(t *testing.T) {
	r := newRenderer(t, Options{})
	f := frame.FromText("@....\n.....")
	want, _ := r.Render(f, DefaultGlyphSize)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Render(f, DefaultGlyphSize)
			if err != nil || !bytes.Equal(got.PNG, want.PNG) {
				t.Errorf("concurrent render mismatch: %v", err)
			}
		}()
	}
	wg.Wait()
}
