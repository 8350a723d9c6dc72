// Package grid models the warehouse floor: integer cell positions, the
// four cardinal directions, and the static obstacle set. The grid is
// unbounded; walls exist only where obstacles are placed.
package grid

import (
	"fmt"
	"sort"
	"strings"
)

// Position is one cell. X grows east, Y grows north.
type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Step returns the neighbor cell one unit along d.
func (p Position) Step(d Direction) Position {
	dx, dy := d.Delta()
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// Direction is a cardinal heading. The cycle order is North, East,
// South, West: a right turn is the successor, a left turn the
// predecessor.
type Direction int

const (
	North Direction = iota
	East
	South
	West
)

const directionCount = 4

// Right returns d rotated a quarter-turn clockwise.
func (d Direction) Right() Direction {
	return (d + 1) % directionCount
}

// Left returns d rotated a quarter-turn counterclockwise.
func (d Direction) Left() Direction {
	return (d + 3) % directionCount
}

// Opposite returns d rotated a half-turn.
func (d Direction) Opposite() Direction {
	return (d + 2) % directionCount
}

// Delta returns the unit step vector for d. North is (0,1), East is
// (1,0).
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case North:
		return 0, 1
	case East:
		return 1, 0
	case South:
		return 0, -1
	case West:
		return -1, 0
	}
	return 0, 0
}

// Valid reports whether d is one of the four cardinal values.
func (d Direction) Valid() bool {
	return d >= North && d <= West
}

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case East:
		return "east"
	case South:
		return "south"
	case West:
		return "west"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection accepts the forms produced by String plus single
// letter abbreviations, case insensitively.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "north", "n":
		return North, nil
	case "east", "e":
		return East, nil
	case "south", "s":
		return South, nil
	case "west", "w":
		return West, nil
	}
	return North, fmt.Errorf("unknown direction %q", s)
}

// Obstacles is a read-only set of blocked cells. A nil set blocks
// nothing.
type Obstacles struct {
	cells map[Position]struct{}
}

// NewObstacles builds the set from cells. Duplicates collapse.
func NewObstacles(cells []Position) *Obstacles {
	m := make(map[Position]struct{}, len(cells))
	for _, c := range cells {
		m[c] = struct{}{}
	}
	return &Obstacles{cells: m}
}

// Blocked reports whether p is an obstacle cell.
func (o *Obstacles) Blocked(p Position) bool {
	if o == nil {
		return false
	}
	_, ok := o.cells[p]
	return ok
}

// Len returns the number of blocked cells.
func (o *Obstacles) Len() int {
	if o == nil {
		return 0
	}
	return len(o.cells)
}

// Cells returns the blocked cells sorted by Y then X, so callers that
// hash or print the set see a stable order.
func (o *Obstacles) Cells() []Position {
	if o == nil {
		return nil
	}
	out := make([]Position, 0, len(o.cells))
	for p := range o.cells {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}
