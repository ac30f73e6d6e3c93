package frame

import "testing"

func TestFromText_RowsAndColumns(t *testing.T) {
	f := FromText("ab\r\n\nabcde\n@")
	if f.Rows() != 4 {
		t.Fatalf("rows=%d want 4", f.Rows())
	}
	if f.Row(0) != "ab" {
		t.Fatalf("row0=%q", f.Row(0))
	}
	if f.Columns() != 5 {
		t.Fatalf("columns=%d want 5", f.Columns())
	}
	if f.Row(-1) != "" || f.Row(9) != "" {
		t.Fatalf("out of range rows should be empty")
	}
}

func TestColumns_CountsGraphemes(t *testing.T) {
	// "e" + combining acute is one cell.
	f := FromText("e\u0301x")
	if got := f.Columns(); got != 2 {
		t.Fatalf("columns=%d want 2", got)
	}
	cells := f.Cells(0)
	if len(cells) != 2 || cells[0] != "e\u0301" {
		t.Fatalf("cells=%q", cells)
	}
}

func TestFromRows_Copies(t *testing.T) {
	rows := []string{"a", "b"}
	f := FromRows(rows)
	rows[0] = "z"
	if f.Row(0) != "a" {
		t.Fatalf("frame aliased caller slice")
	}
	lines := f.Lines()
	lines[1] = "z"
	if f.Row(1) != "b" {
		t.Fatalf("Lines aliased frame storage")
	}
}

func TestDigest_StableAndDistinct(t *testing.T) {
	a := FromText("x\ny")
	b := FromRows([]string{"x", "y"})
	if a.Digest() != b.Digest() {
		t.Fatalf("digest mismatch for equal frames")
	}
	if a.Digest() == FromText("x\nz").Digest() {
		t.Fatalf("digest collision for different frames")
	}
}

func TestIsEmpty(t *testing.T) {
	if !FromText("").IsEmpty() || !FromText("\n\n").IsEmpty() {
		t.Fatalf("expected empty")
	}
	if FromText("\n.").IsEmpty() {
		t.Fatalf("expected non-empty")
	}
}
