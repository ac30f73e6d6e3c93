// Package render rasterizes text screens into PNG images, white glyphs on a
// black background.
package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"skyhack.ai/internal/game/frame"
)

const (
	DefaultGlyphSize = 15
	// LinePadding is added to the glyph size to get the line height.
	LinePadding = 2
)

type Options struct {
	// FontPath is a TrueType/OpenType monospace font. Empty selects the
	// embedded Go Mono face.
	FontPath string
}

// Image is one rendered frame.
type Image struct {
	Width, Height int
	PNG           []byte
	// Degraded is true when the proportional fallback font was used and
	// columns are not aligned.
	Degraded bool
}

func (i Image) Base64() string { return base64.StdEncoding.EncodeToString(i.PNG) }

// Renderer is safe for concurrent use. Each Render call builds its own face.
type Renderer struct {
	font      *opentype.Font
	monospace bool
	degraded  error
}

// New loads the preferred monospace font. If opts.FontPath cannot be read or
// parsed the renderer falls back to Go Regular, a proportional face; that is
// not an error, but Degraded reports why.
func New(opts Options) (*Renderer, error) {
	if opts.FontPath == "" {
		f, err := opentype.Parse(gomono.TTF)
		if err != nil {
			return nil, fmt.Errorf("render: parse embedded mono font: %w", err)
		}
		return &Renderer{font: f, monospace: true}, nil
	}

	f, loadErr := loadFont(opts.FontPath)
	if loadErr == nil {
		return &Renderer{font: f, monospace: true}, nil
	}
	fallback, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("render: parse fallback font: %w", err)
	}
	return &Renderer{font: fallback, degraded: loadErr}, nil
}

func loadFont(path string) (*opentype.Font, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font %s: %w", path, err)
	}
	f, err := opentype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", path, err)
	}
	return f, nil
}

// Degraded returns the reason the monospace font is unavailable, or nil.
func (r *Renderer) Degraded() error { return r.degraded }

// Metrics returns the cell geometry for a glyph size.
func Metrics(glyphSize int) (glyphWidth, lineHeight int) {
	return glyphSize / 2, glyphSize + LinePadding
}

// Render draws f. The canvas is Columns()*glyphWidth by Rows()*lineHeight,
// clamped to at least one pixel each way.
func (r *Renderer) Render(f frame.Frame, glyphSize int) (Image, error) {
	if glyphSize < 2 {
		return Image{}, fmt.Errorf("render: glyph size %d too small", glyphSize)
	}
	gw, lh := Metrics(glyphSize)
	w := max(f.Columns()*gw, 1)
	h := max(f.Rows()*lh, 1)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)

	face, err := r.face(glyphSize, gw)
	if err != nil {
		return Image{}, err
	}
	defer face.Close()

	d := &font.Drawer{Dst: img, Src: image.White, Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	for row := 0; row < f.Rows(); row++ {
		baseline := row*lh + ascent
		if !r.monospace {
			// Proportional advance: the row is one run of text.
			d.Dot = fixed.P(0, baseline)
			d.DrawString(f.Row(row))
			continue
		}
		for col, cell := range f.Cells(row) {
			if cell == " " {
				continue
			}
			d.Dot = fixed.P(col*gw, baseline)
			d.DrawString(cell)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("render: encode png: %w", err)
	}
	return Image{Width: w, Height: h, PNG: buf.Bytes(), Degraded: r.degraded != nil}, nil
}

// face builds a face at glyphSize, shrunk for monospace fonts whose advance
// is wider than a cell.
func (r *Renderer) face(glyphSize, cellWidth int) (font.Face, error) {
	size := float64(glyphSize)
	face, err := opentype.NewFace(r.font, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("render: new face: %w", err)
	}
	if !r.monospace {
		return face, nil
	}
	adv, ok := face.GlyphAdvance('M')
	if !ok || adv.Ceil() <= cellWidth {
		return face, nil
	}
	_ = face.Close()
	size = size * float64(cellWidth) / float64(adv.Ceil())
	face, err = opentype.NewFace(r.font, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("render: new face: %w", err)
	}
	return face, nil
}
