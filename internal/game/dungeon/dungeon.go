// Package dungeon is a small deterministic roguelike used as the default game
// engine. A seed and a sequence of actions fully determine every screen.
package dungeon

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/rivo/uniseg"

	"skyhack.ai/internal/game/action"
	"skyhack.ai/internal/game/frame"
	"skyhack.ai/internal/game/oracle"
)

const (
	ScreenCols = 80
	ScreenRows = 24
	mapRows    = ScreenRows - 3

	descendReward = 50.0
)

// End statuses reported in Info["end_status"].
const (
	EndNone    = ""
	EndEscaped = "escaped"
	EndStarved = "starved"
	EndQuit    = "quit"
)

type Config struct {
	Seed      int64
	Levels    int // levels to clear before escaping
	MaxHunger int // turns of food at the start of an episode
	GoldPiles int // gold piles per level; negative disables gold
	HeroName  string
}

func (c *Config) normalize() {
	if c.Levels <= 0 {
		c.Levels = 3
	}
	if c.MaxHunger <= 0 {
		c.MaxHunger = 600
	}
	if c.GoldPiles == 0 {
		c.GoldPiles = 4
	}
	if strings.TrimSpace(c.HeroName) == "" {
		c.HeroName = "Agent"
	}
}

// Dungeon implements oracle.Oracle. It is not safe for concurrent use.
type Dungeon struct {
	cfg Config

	episode int
	lvl     *level
	depth   int
	hero    pos
	gold    int
	hunger  int
	turn    int
	msg     string
	done    bool
	end     string
}

var _ oracle.Oracle = (*Dungeon)(nil)

func New(cfg Config) *Dungeon {
	cfg.normalize()
	return &Dungeon{cfg: cfg}
}

func (d *Dungeon) Config() Config { return d.cfg }

// Episode is the number of Reset calls so far.
func (d *Dungeon) Episode() int { return d.episode }

func (d *Dungeon) Reset() (oracle.Observation, error) {
	d.episode++
	d.depth = 1
	d.gold = 0
	d.hunger = d.cfg.MaxHunger
	d.turn = 0
	d.done = false
	d.end = EndNone
	d.enterLevel()
	d.msg = fmt.Sprintf("Hello %s, welcome to the dungeon! Find the stairs down.", d.cfg.HeroName)
	return d.observation(), nil
}

// levelRNG derives a per-level generator so levels do not depend on how many
// actions were taken before reaching them.
func (d *Dungeon) levelRNG() *rand.Rand {
	seed := d.cfg.Seed*1_000_003 + int64(d.episode)*7919 + int64(d.depth)
	return rand.New(rand.NewSource(seed))
}

func (d *Dungeon) enterLevel() {
	d.lvl = generateLevel(d.levelRNG(), ScreenCols, mapRows, d.depth, d.cfg.GoldPiles)
	d.hero = d.lvl.start
}

func (d *Dungeon) Step(a action.Action) (oracle.StepResult, error) {
	if d.lvl == nil {
		return oracle.StepResult{}, fmt.Errorf("dungeon: step before reset")
	}
	if !a.Valid() {
		return oracle.StepResult{}, fmt.Errorf("dungeon: invalid action %d", a)
	}
	if d.done {
		d.msg = "The game is over."
		return oracle.StepResult{Observation: d.observation(), Done: true, Info: d.info()}, nil
	}

	d.turn++
	d.msg = ""
	reward := 0.0

	if dx, dy, ok := a.Delta(); ok {
		d.move(dx, dy)
	} else {
		switch a {
		case action.Wait:
			d.msg = "Time passes."
		case action.Search:
			d.msg = "You search the area but find nothing."
		case action.Pickup:
			if n, ok := d.lvl.gold[d.hero]; ok {
				delete(d.lvl.gold, d.hero)
				d.gold += n
				reward += float64(n)
				d.msg = fmt.Sprintf("%d gold piece%s.", n, plural(n))
			} else {
				d.msg = "There is nothing here to pick up."
			}
		case action.Down:
			if d.lvl.at(d.hero) != tileDown {
				d.msg = "You can't go down here."
				break
			}
			reward += descendReward
			if d.depth >= d.cfg.Levels {
				d.done = true
				d.end = EndEscaped
				d.msg = fmt.Sprintf("You escape the dungeon with %d gold piece%s!", d.gold, plural(d.gold))
				break
			}
			d.depth++
			d.enterLevel()
			d.msg = fmt.Sprintf("You descend to dungeon level %d.", d.depth)
		case action.Up:
			if d.lvl.hasUp && d.hero == d.lvl.up {
				d.msg = "The stairs up are blocked by rubble."
			} else {
				d.msg = "You can't go up here."
			}
		case action.Quit:
			d.done = true
			d.end = EndQuit
			d.msg = "You quit. Goodbye."
		}
	}

	if !d.done {
		d.hunger--
		if d.hunger <= 0 {
			d.hunger = 0
			d.done = true
			d.end = EndStarved
			d.msg = "You die from starvation."
		}
	}

	return oracle.StepResult{
		Observation: d.observation(),
		Reward:      reward,
		Done:        d.done,
		Info:        d.info(),
	}, nil
}

func (d *Dungeon) move(dx, dy int) {
	next := pos{X: d.hero.X + dx, Y: d.hero.Y + dy}
	if !d.lvl.passable(next) {
		d.msg = "You can't move there."
		return
	}
	d.hero = next
	switch {
	case d.lvl.gold[next] > 0:
		n := d.lvl.gold[next]
		d.msg = fmt.Sprintf("You see here %d gold piece%s.", n, plural(n))
	case d.lvl.at(next) == tileDown:
		d.msg = "There is a staircase down here."
	case d.lvl.at(next) == tileUp:
		d.msg = "There is a staircase up here."
	}
}

func (d *Dungeon) Render() (frame.Frame, error) {
	if d.lvl == nil {
		return frame.Frame{}, fmt.Errorf("dungeon: render before reset")
	}
	rows := make([]string, 0, ScreenRows)
	rows = append(rows, padRight(d.msg, ScreenCols))
	for y := 0; y < mapRows; y++ {
		var b strings.Builder
		b.Grow(ScreenCols)
		for x := 0; x < ScreenCols; x++ {
			p := pos{X: x, Y: y}
			if p == d.hero {
				b.WriteByte('@')
				continue
			}
			b.WriteByte(d.lvl.glyph(p))
		}
		rows = append(rows, b.String())
	}
	rows = append(rows, padRight(d.statusLine1(), ScreenCols), padRight(d.statusLine2(), ScreenCols))
	return frame.FromRows(rows), nil
}

func (d *Dungeon) statusLine1() string {
	return fmt.Sprintf("%s the Adventurer   St:16 Dx:14 Co:15 In:10 Wi:11 Ch:9 Neutral", d.cfg.HeroName)
}

func (d *Dungeon) statusLine2() string {
	s := fmt.Sprintf("Dlvl:%d $:%d HP:12(12) Pw:5(5) AC:7 Xp:1/0 T:%d", d.depth, d.gold, d.turn)
	if h := d.hungerStatus(); h != "" {
		s += " " + h
	}
	return s
}

func (d *Dungeon) hungerStatus() string {
	switch {
	case d.end == EndStarved:
		return "Starved"
	case d.hunger < d.cfg.MaxHunger/10:
		return "Weak"
	case d.hunger < d.cfg.MaxHunger/4:
		return "Hungry"
	}
	return ""
}

func (d *Dungeon) observation() oracle.Observation {
	inv := ""
	if d.gold > 0 {
		inv = fmt.Sprintf("$: %d gold piece%s", d.gold, plural(d.gold))
	}
	return oracle.Observation{
		"text_glyphs":    d.describeSurroundings(),
		"text_message":   d.msg,
		"text_blstats":   d.statusLine2(),
		"text_inventory": inv,
		"text_cursor":    fmt.Sprintf("%d %d @", d.hero.X, d.hero.Y+1),
	}
}

func (d *Dungeon) info() oracle.Info {
	return oracle.Info{
		"turn":       d.turn,
		"depth":      d.depth,
		"gold":       d.gold,
		"hunger":     d.hunger,
		"episode":    d.episode,
		"end_status": d.end,
	}
}

// describeSurroundings lists notable features relative to the hero, nearest
// first, one per line.
func (d *Dungeon) describeSurroundings() string {
	type feature struct {
		name string
		p    pos
	}
	feats := []feature{{name: "staircase down", p: d.lvl.down}}
	if d.lvl.hasUp {
		feats = append(feats, feature{name: "staircase up", p: d.lvl.up})
	}
	for p := range d.lvl.gold {
		feats = append(feats, feature{name: "gold", p: p})
	}
	dist := func(p pos) int { return max(abs(p.X-d.hero.X), abs(p.Y-d.hero.Y)) }
	// Map iteration order is random; the ordering must be total.
	sort.Slice(feats, func(i, j int) bool {
		a, b := feats[i], feats[j]
		if da, db := dist(a.p), dist(b.p); da != db {
			return da < db
		}
		if a.p.Y != b.p.Y {
			return a.p.Y < b.p.Y
		}
		return a.p.X < b.p.X
	})
	lines := make([]string, 0, len(feats))
	for _, f := range feats {
		lines = append(lines, f.name+" "+direction(f.p.X-d.hero.X, f.p.Y-d.hero.Y))
	}
	return strings.Join(lines, "\n")
}

func direction(dx, dy int) string {
	if dx == 0 && dy == 0 {
		return "here"
	}
	var parts []string
	if dy < 0 {
		parts = append(parts, fmt.Sprintf("%d north", -dy))
	} else if dy > 0 {
		parts = append(parts, fmt.Sprintf("%d south", dy))
	}
	if dx > 0 {
		parts = append(parts, fmt.Sprintf("%d east", dx))
	} else if dx < 0 {
		parts = append(parts, fmt.Sprintf("%d west", -dx))
	}
	return strings.Join(parts, " ")
}

// padRight fits s to exactly n grapheme clusters, the unit frame columns are
// counted in.
func padRight(s string, n int) string {
	var b strings.Builder
	cells := 0
	g := uniseg.NewGraphemes(s)
	for cells < n && g.Next() {
		b.WriteString(g.Str())
		cells++
	}
	if cells < n {
		b.WriteString(strings.Repeat(" ", n-cells))
	}
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
