package dungeon

import (
	"math/rand"
	"sort"
)

const (
	tileRock     = ' '
	tileFloor    = '.'
	tileCorridor = '#'
	tileDoor     = '+'
	tileHWall    = '-'
	tileVWall    = '|'
	tileDown     = '>'
	tileUp       = '<'
	tileGold     = '$'
)

type pos struct{ X, Y int }

type room struct {
	// Interior bounds, inclusive.
	X0, Y0, X1, Y1 int
}

func (r room) center() pos { return pos{X: (r.X0 + r.X1) / 2, Y: (r.Y0 + r.Y1) / 2} }

func (r room) overlaps(o room, margin int) bool {
	return r.X0-margin <= o.X1+1 && o.X0-1 <= r.X1+margin &&
		r.Y0-margin <= o.Y1+1 && o.Y0-1 <= r.Y1+margin
}

type level struct {
	w, h  int
	tiles [][]byte
	rooms []room
	gold  map[pos]int
	start pos
	down  pos
	up    pos
	hasUp bool
}

func (l *level) in(p pos) bool { return p.X >= 0 && p.Y >= 0 && p.X < l.w && p.Y < l.h }

func (l *level) at(p pos) byte {
	if !l.in(p) {
		return tileRock
	}
	return l.tiles[p.Y][p.X]
}

func (l *level) passable(p pos) bool {
	switch l.at(p) {
	case tileFloor, tileCorridor, tileDoor, tileDown, tileUp:
		return true
	}
	return false
}

// glyph is what the screen shows at p (gold overlays floor).
func (l *level) glyph(p pos) byte {
	if _, ok := l.gold[p]; ok {
		return tileGold
	}
	return l.at(p)
}

// generateLevel builds a level from rng. The same rng state always yields the
// same level.
func generateLevel(rng *rand.Rand, w, h, depth, goldPiles int) *level {
	l := &level{w: w, h: h, gold: map[pos]int{}}
	l.tiles = make([][]byte, h)
	for y := range l.tiles {
		row := make([]byte, w)
		for x := range row {
			row[x] = tileRock
		}
		l.tiles[y] = row
	}

	const maxRooms = 6
	for tries := 0; tries < 60 && len(l.rooms) < maxRooms; tries++ {
		rw := 4 + rng.Intn(9)
		rh := 2 + rng.Intn(4)
		if rw+3 >= w || rh+3 >= h {
			continue
		}
		x0 := 1 + rng.Intn(w-rw-2)
		y0 := 1 + rng.Intn(h-rh-2)
		r := room{X0: x0, Y0: y0, X1: x0 + rw - 1, Y1: y0 + rh - 1}
		if r.X1+1 >= w || r.Y1+1 >= h {
			continue
		}
		ok := true
		for _, o := range l.rooms {
			if r.overlaps(o, 2) {
				ok = false
				break
			}
		}
		if ok {
			l.rooms = append(l.rooms, r)
		}
	}
	if len(l.rooms) == 0 {
		l.rooms = append(l.rooms, room{X0: 2, Y0: 2, X1: min(w-3, 20), Y1: min(h-3, 6)})
	}
	sort.Slice(l.rooms, func(i, j int) bool { return l.rooms[i].X0 < l.rooms[j].X0 })

	for _, r := range l.rooms {
		l.carveRoom(r)
	}
	for i := 1; i < len(l.rooms); i++ {
		l.carveCorridor(l.rooms[i-1].center(), l.rooms[i].center())
	}

	l.start = l.rooms[0].center()
	last := l.rooms[len(l.rooms)-1]
	l.down = last.center()
	if l.down == l.start {
		l.down = pos{X: last.X1, Y: last.Y1}
	}
	l.tiles[l.down.Y][l.down.X] = tileDown
	if depth > 1 {
		l.up = l.start
		l.hasUp = true
		l.tiles[l.up.Y][l.up.X] = tileUp
	}

	for i := 0; i < goldPiles; i++ {
		r := l.rooms[rng.Intn(len(l.rooms))]
		p := pos{X: r.X0 + rng.Intn(r.X1-r.X0+1), Y: r.Y0 + rng.Intn(r.Y1-r.Y0+1)}
		if p == l.start || l.at(p) != tileFloor {
			continue
		}
		l.gold[p] += 1 + rng.Intn(20*depth)
	}
	return l
}

func (l *level) carveRoom(r room) {
	for y := r.Y0 - 1; y <= r.Y1+1; y++ {
		for x := r.X0 - 1; x <= r.X1+1; x++ {
			switch {
			case y == r.Y0-1 || y == r.Y1+1:
				l.tiles[y][x] = tileHWall
			case x == r.X0-1 || x == r.X1+1:
				l.tiles[y][x] = tileVWall
			default:
				l.tiles[y][x] = tileFloor
			}
		}
	}
}

// carveCorridor digs an L-shaped path from a to b, horizontal leg first.
// Walls crossed become doors.
func (l *level) carveCorridor(a, b pos) {
	dig := func(p pos) {
		switch l.tiles[p.Y][p.X] {
		case tileRock:
			l.tiles[p.Y][p.X] = tileCorridor
		case tileHWall, tileVWall:
			l.tiles[p.Y][p.X] = tileDoor
		}
	}
	x, y := a.X, a.Y
	for x != b.X {
		dig(pos{X: x, Y: y})
		x += sign(b.X - x)
	}
	for y != b.Y {
		dig(pos{X: x, Y: y})
		y += sign(b.Y - y)
	}
	dig(pos{X: x, Y: y})
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
