package action

// Action is one discrete move accepted by the game oracle.
type Action uint8

const (
	None Action = iota
	North
	South
	East
	West
	NorthEast
	NorthWest
	SouthEast
	SouthWest
	Wait
	Search
	Pickup
	Down
	Up
	Quit
)

var names = [...]string{
	None:      "none",
	North:     "north",
	South:     "south",
	East:      "east",
	West:      "west",
	NorthEast: "northeast",
	NorthWest: "northwest",
	SouthEast: "southeast",
	SouthWest: "southwest",
	Wait:      "wait",
	Search:    "search",
	Pickup:    "pickup",
	Down:      "down",
	Up:        "up",
	Quit:      "quit",
}

var byName = func() map[string]Action {
	m := make(map[string]Action, len(names))
	for i, n := range names {
		if Action(i) == None {
			continue
		}
		m[n] = Action(i)
	}
	return m
}()

func (a Action) String() string {
	if int(a) < len(names) {
		return names[a]
	}
	return "unknown"
}

// Valid reports whether a is a real action (not None, not out of range).
func (a Action) Valid() bool {
	return a != None && int(a) < len(names)
}

// Parse maps a canonical action name ("north", "wait", ...) to its Action.
func Parse(name string) (Action, bool) {
	a, ok := byName[name]
	return a, ok
}

// All lists every valid action in declaration order.
func All() []Action {
	out := make([]Action, 0, len(names)-1)
	for i := 1; i < len(names); i++ {
		out = append(out, Action(i))
	}
	return out
}

// Delta returns the (dx, dy) screen offset for movement actions.
func (a Action) Delta() (dx, dy int, ok bool) {
	switch a {
	case North:
		return 0, -1, true
	case South:
		return 0, 1, true
	case East:
		return 1, 0, true
	case West:
		return -1, 0, true
	case NorthEast:
		return 1, -1, true
	case NorthWest:
		return -1, -1, true
	case SouthEast:
		return 1, 1, true
	case SouthWest:
		return -1, 1, true
	}
	return 0, 0, false
}
