package dungeon

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"skyhack.ai/internal/game/action"
)

func newReset(t *testing.T, cfg Config) *Dungeon {
	t.Helper()
	d := New(cfg)
	if _, err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	return d
}

func TestRender_ScreenShape(t *testing.T) {
	d := newReset(t, Config{Seed: 1})
	f, err := d.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if f.Rows() != ScreenRows {
		t.Fatalf("rows=%d want %d", f.Rows(), ScreenRows)
	}
	if f.Columns() != ScreenCols {
		t.Fatalf("cols=%d want %d", f.Columns(), ScreenCols)
	}
	if strings.Count(f.Text(), "@") != 1 {
		t.Fatalf("expected exactly one hero glyph:\n%s", f.Text())
	}
	if !strings.Contains(f.Text(), ">") {
		t.Fatalf("expected a down staircase:\n%s", f.Text())
	}
	if !strings.HasPrefix(f.Row(ScreenRows-1), "Dlvl:1 ") {
		t.Fatalf("status line=%q", f.Row(ScreenRows-1))
	}
}

func TestDeterministic_SameSeedSameScreens(t *testing.T) {
	script := []action.Action{action.East, action.East, action.South, action.Wait, action.Search, action.West, action.North}
	play := func() []string {
		d := newReset(t, Config{Seed: 42})
		var out []string
		for _, a := range script {
			if _, err := d.Step(a); err != nil {
				t.Fatalf("step: %v", err)
			}
			f, _ := d.Render()
			out = append(out, f.Digest())
		}
		return out
	}
	a, b := play(), play()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("screen %d differs between runs", i)
		}
	}

	other := newReset(t, Config{Seed: 43})
	fa, _ := newReset(t, Config{Seed: 42}).Render()
	fb, _ := other.Render()
	if fa.Digest() == fb.Digest() {
		t.Fatalf("different seeds produced identical first screens")
	}
}

func TestStep_BeforeResetFails(t *testing.T) {
	d := New(Config{Seed: 1})
	if _, err := d.Step(action.Wait); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := d.Render(); err == nil {
		t.Fatalf("expected render error")
	}
}

func TestStep_InvalidAction(t *testing.T) {
	d := newReset(t, Config{Seed: 1})
	if _, err := d.Step(action.None); err == nil {
		t.Fatalf("expected invalid action error")
	}
}

func TestPickup_RewardsGold(t *testing.T) {
	d := newReset(t, Config{Seed: 7})
	d.lvl.gold[d.hero] = 7
	res, err := d.Step(action.Pickup)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Reward != 7 {
		t.Fatalf("reward=%v want 7", res.Reward)
	}
	if res.Info["gold"] != 7 {
		t.Fatalf("info gold=%v", res.Info["gold"])
	}
	res, _ = d.Step(action.Pickup)
	if res.Reward != 0 || res.Observation["text_message"] != "There is nothing here to pick up." {
		t.Fatalf("second pickup: reward=%v msg=%v", res.Reward, res.Observation["text_message"])
	}
}

func TestDescend_NextLevelThenEscape(t *testing.T) {
	d := newReset(t, Config{Seed: 3, Levels: 2})
	res, _ := d.Step(action.Down)
	if res.Reward != 0 || d.depth != 1 {
		t.Fatalf("descending off the stairs should do nothing")
	}

	d.hero = d.lvl.down
	res, _ = d.Step(action.Down)
	if res.Reward != descendReward || d.depth != 2 || res.Done {
		t.Fatalf("descend: reward=%v depth=%d done=%v", res.Reward, d.depth, res.Done)
	}
	if d.hero != d.lvl.start || !d.lvl.hasUp {
		t.Fatalf("hero should arrive on the up staircase")
	}

	d.hero = d.lvl.down
	res, _ = d.Step(action.Down)
	if !res.Done || res.Info["end_status"] != EndEscaped {
		t.Fatalf("expected escape, got done=%v info=%v", res.Done, res.Info)
	}
}

func TestQuit_IsTerminalAndSticky(t *testing.T) {
	d := newReset(t, Config{Seed: 1})
	res, _ := d.Step(action.Quit)
	if !res.Done || res.Info["end_status"] != EndQuit {
		t.Fatalf("quit: done=%v info=%v", res.Done, res.Info)
	}
	res, _ = d.Step(action.Wait)
	if !res.Done {
		t.Fatalf("terminal state should persist until reset")
	}
	if _, err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res, _ = d.Step(action.Wait)
	if res.Done || d.Episode() != 2 {
		t.Fatalf("after reset: done=%v episode=%d", res.Done, d.Episode())
	}
}

func TestStarvation(t *testing.T) {
	d := newReset(t, Config{Seed: 1, MaxHunger: 2})
	res, _ := d.Step(action.Wait)
	if res.Done {
		t.Fatalf("should not starve after one turn")
	}
	res, _ = d.Step(action.Wait)
	if !res.Done || res.Info["end_status"] != EndStarved {
		t.Fatalf("expected starvation, got %v", res.Info)
	}
}

func TestMove_BlockedByWall(t *testing.T) {
	d := newReset(t, Config{Seed: 5})
	r := d.lvl.rooms[0]
	d.hero = pos{X: r.X0, Y: r.Y0}
	before := d.hero
	// A corridor may have turned this wall into a door; force it back.
	d.lvl.tiles[r.Y0][r.X0-1] = tileVWall
	res, _ := d.Step(action.West)
	if d.hero != before {
		t.Fatalf("hero moved through a wall")
	}
	if res.Observation["text_message"] != "You can't move there." {
		t.Fatalf("msg=%v", res.Observation["text_message"])
	}
}

func TestObservation_Keys(t *testing.T) {
	d := newReset(t, Config{Seed: 9})
	obs := d.observation()
	for _, k := range []string{"text_glyphs", "text_message", "text_blstats", "text_inventory", "text_cursor"} {
		if _, ok := obs[k]; !ok {
			t.Fatalf("missing observation key %q", k)
		}
	}
	if !strings.Contains(obs["text_glyphs"].(string), "staircase down") {
		t.Fatalf("text_glyphs=%q", obs["text_glyphs"])
	}
}

func TestDirection(t *testing.T) {
	cases := map[[2]int]string{
		{0, 0}:  "here",
		{3, 0}:  "3 east",
		{-2, 0}: "2 west",
		{0, -1}: "1 north",
		{4, 5}:  "5 south 4 east",
	}
	for in, want := range cases {
		if got := direction(in[0], in[1]); got != want {
			t.Fatalf("direction(%v)=%q want %q", in, got, want)
		}
	}
}

func TestRender_NonASCIIHeroNameKeepsRowsValid(t *testing.T) {
	// Long enough that the status line is cut inside the name.
	name := strings.Repeat("Zoë🐉", 30)
	d := newReset(t, Config{Seed: 3, HeroName: name})
	f, err := d.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if f.Columns() != ScreenCols {
		t.Fatalf("cols=%d want %d", f.Columns(), ScreenCols)
	}
	for i := 0; i < f.Rows(); i++ {
		row := f.Row(i)
		if !utf8.ValidString(row) {
			t.Fatalf("row %d is not valid UTF-8: %q", i, row)
		}
	}
	status := f.Row(ScreenRows - 2)
	if n := uniseg.GraphemeClusterCount(status); n != ScreenCols {
		t.Fatalf("status line has %d cells: %q", n, status)
	}
}

func TestPadRight(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"ab", 4, "ab  "},
		{"abcdef", 3, "abc"},
		{"ée\u0301x", 2, "ée\u0301"},
		{"🐉🐉🐉", 2, "🐉🐉"},
	}
	for _, c := range cases {
		if got := padRight(c.in, c.n); got != c.want {
			t.Fatalf("padRight(%q,%d)=%q want %q", c.in, c.n, got, c.want)
		}
	}
}
