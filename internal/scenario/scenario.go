// Package scenario defines run setups: where the robot starts, where
// the package goes, and which cells are blocked. Setups load from YAML
// and stay immutable for the lifetime of a run.
package scenario

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"warebot.ai/internal/grid"
)

// Scenario is one run definition. Blocked cells come from the explicit
// Obstacles list plus every in-bounds cell for which a wall expression
// is true.
type Scenario struct {
	Name   string        `yaml:"name" json:"name"`
	Start  grid.Position `yaml:"start" json:"start"`
	Facing string        `yaml:"facing" json:"facing"`
	Target grid.Position `yaml:"target" json:"target"`

	Obstacles []grid.Position `yaml:"obstacles,omitempty" json:"obstacles,omitempty"`
	Walls     []WallExpr      `yaml:"walls,omitempty" json:"walls,omitempty"`

	// MaxTicks is the safety cap on evaluations; runs that neither
	// deliver nor get capped would spin forever on a policy defect.
	MaxTicks uint64 `yaml:"max_ticks" json:"max_ticks"`

	// TickRateHz drives the live loop. Replays and headless runs
	// ignore it.
	TickRateHz int `yaml:"tick_rate_hz,omitempty" json:"tick_rate_hz,omitempty"`
}

// WallExpr declares blocked cells as a boolean expression over cell
// coordinates x and y, evaluated for every cell inside Bounds.
// "x == 5 and y <= 3" is a wall segment; "(x + y) % 7 == 0" is a
// diagonal lattice.
type WallExpr struct {
	Expr   string `yaml:"expr" json:"expr"`
	Bounds Bounds `yaml:"bounds" json:"bounds"`
}

// Bounds is an inclusive cell rectangle.
type Bounds struct {
	MinX int `yaml:"min_x" json:"min_x"`
	MinY int `yaml:"min_y" json:"min_y"`
	MaxX int `yaml:"max_x" json:"max_x"`
	MaxY int `yaml:"max_y" json:"max_y"`
}

// Default returns the built-in warehouse floor: an L-shaped shelving
// wall between the loading dock at (1,1) and the drop-off at (6,6).
func Default() Scenario {
	return Scenario{
		Name:   "warehouse",
		Start:  grid.Position{X: 1, Y: 1},
		Facing: "east",
		Target: grid.Position{X: 6, Y: 6},
		Obstacles: []grid.Position{
			{X: 2, Y: 3}, {X: 3, Y: 3}, {X: 4, Y: 3},
			{X: 5, Y: 1}, {X: 5, Y: 2}, {X: 5, Y: 3},
		},
		MaxTicks:   200,
		TickRateHz: 10,
	}
}

// Load reads and validates a scenario file.
func Load(path string) (Scenario, error) {
	var sc Scenario
	raw, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read scenario: %w", err)
	}
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return sc, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Validate checks the scenario is runnable. Wall expressions are
// compiled and expanded here so syntax errors surface at load time, not
// mid-run.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.MaxTicks == 0 {
		return fmt.Errorf("max_ticks must be positive")
	}
	if s.TickRateHz < 0 {
		return fmt.Errorf("tick_rate_hz must not be negative")
	}
	if _, err := grid.ParseDirection(s.Facing); err != nil {
		return fmt.Errorf("facing: %w", err)
	}
	for _, w := range s.Walls {
		if w.Bounds.MaxX < w.Bounds.MinX || w.Bounds.MaxY < w.Bounds.MinY {
			return fmt.Errorf("wall %q: empty bounds", w.Expr)
		}
	}
	cells, err := s.ObstacleCells()
	if err != nil {
		return err
	}
	blocked := grid.NewObstacles(cells)
	if blocked.Blocked(s.Start) {
		return fmt.Errorf("start %v is inside an obstacle", s.Start)
	}
	if blocked.Blocked(s.Target) {
		return fmt.Errorf("target %v is inside an obstacle", s.Target)
	}
	return nil
}

// StartFacing returns the parsed facing direction.
func (s *Scenario) StartFacing() (grid.Direction, error) {
	return grid.ParseDirection(s.Facing)
}

// ObstacleCells materializes the full blocked set: explicit cells
// first, then wall expressions swept over their bounds, row by row.
// Duplicates collapse; the result order is deterministic.
func (s *Scenario) ObstacleCells() ([]grid.Position, error) {
	seen := make(map[grid.Position]struct{})
	var out []grid.Position
	add := func(p grid.Position) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, p := range s.Obstacles {
		add(p)
	}
	for _, w := range s.Walls {
		prog, err := compileWall(w.Expr)
		if err != nil {
			return nil, err
		}
		for y := w.Bounds.MinY; y <= w.Bounds.MaxY; y++ {
			for x := w.Bounds.MinX; x <= w.Bounds.MaxX; x++ {
				hit, err := expr.Run(prog, map[string]any{"x": x, "y": y})
				if err != nil {
					return nil, fmt.Errorf("wall %q at (%d,%d): %w", w.Expr, x, y, err)
				}
				if on, ok := hit.(bool); ok && on {
					add(grid.Position{X: x, Y: y})
				}
			}
		}
	}
	return out, nil
}

func compileWall(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src,
		expr.Env(map[string]any{"x": 0, "y": 0}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("wall %q: %w", src, err)
	}
	return prog, nil
}
