package frame

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rivo/uniseg"
)

// Frame is a snapshot of the terminal screen, one string per row.
// Rows may have different lengths. A Frame is never mutated once built.
type Frame struct {
	rows []string
}

// FromText splits a newline separated screen into rows.
// A trailing "\r" on each row is dropped.
func FromText(s string) Frame {
	parts := strings.Split(s, "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return Frame{rows: parts}
}

// FromRows copies rows into a new Frame.
func FromRows(rows []string) Frame {
	out := make([]string, len(rows))
	copy(out, rows)
	return Frame{rows: out}
}

func (f Frame) Rows() int { return len(f.rows) }

// Row returns row i, or "" when i is out of range.
func (f Frame) Row(i int) string {
	if i < 0 || i >= len(f.rows) {
		return ""
	}
	return f.rows[i]
}

// Lines returns a copy of the rows.
func (f Frame) Lines() []string {
	out := make([]string, len(f.rows))
	copy(out, f.rows)
	return out
}

// Columns is the widest row measured in grapheme clusters (one cell each).
func (f Frame) Columns() int {
	best := 0
	for _, r := range f.rows {
		if n := uniseg.GraphemeClusterCount(r); n > best {
			best = n
		}
	}
	return best
}

// Cells splits row i into grapheme clusters.
func (f Frame) Cells(i int) []string {
	row := f.Row(i)
	if row == "" {
		return nil
	}
	out := make([]string, 0, len(row))
	g := uniseg.NewGraphemes(row)
	for g.Next() {
		out = append(out, g.Str())
	}
	return out
}

func (f Frame) IsEmpty() bool {
	for _, r := range f.rows {
		if r != "" {
			return false
		}
	}
	return true
}

// Text joins the rows with "\n".
func (f Frame) Text() string { return strings.Join(f.rows, "\n") }

func (f Frame) String() string { return f.Text() }

// Digest is a stable hex sha256 of the screen text.
func (f Frame) Digest() string {
	sum := sha256.Sum256([]byte(f.Text()))
	return hex.EncodeToString(sum[:])
}
