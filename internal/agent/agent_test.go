package agent

import (
	"testing"

	"warebot.ai/internal/grid"
)

func openFloorAgent(pos grid.Position, facing grid.Direction, target grid.Position) *Agent {
	return New(pos, facing, target, nil)
}

func TestMoveForward(t *testing.T) {
	obstacles := grid.NewObstacles([]grid.Position{{X: 2, Y: 1}})
	a := New(grid.Position{X: 1, Y: 1}, grid.East, grid.Position{X: 9, Y: 9}, obstacles)

	if !a.FacingObstacle() {
		t.Fatalf("(2,1) ahead should read as an obstacle")
	}
	if a.MoveForward() {
		t.Fatalf("move into an obstacle should fail")
	}
	if a.Position() != (grid.Position{X: 1, Y: 1}) {
		t.Fatalf("failed move must not change position, got %v", a.Position())
	}

	a.TurnLeft() // now north, clear
	if a.Position() != (grid.Position{X: 1, Y: 1}) {
		t.Fatalf("turn must not change position, got %v", a.Position())
	}
	if !a.MoveForward() {
		t.Fatalf("move into a free cell should succeed")
	}
	if a.Position() != (grid.Position{X: 1, Y: 2}) {
		t.Fatalf("got %v, want (1,2)", a.Position())
	}
	if a.Facing() != grid.North {
		t.Fatalf("move must not change facing, got %v", a.Facing())
	}
}

func TestMoveBackward(t *testing.T) {
	obstacles := grid.NewObstacles([]grid.Position{{X: 0, Y: 1}})
	a := New(grid.Position{X: 1, Y: 1}, grid.East, grid.Position{X: 9, Y: 9}, obstacles)

	if a.MoveBackward() {
		t.Fatalf("retreat into an obstacle should fail")
	}
	if a.Position() != (grid.Position{X: 1, Y: 1}) {
		t.Fatalf("failed retreat must not change position")
	}

	a.TurnRight() // south; behind is (1,2), free
	if !a.MoveBackward() {
		t.Fatalf("retreat into a free cell should succeed")
	}
	if a.Position() != (grid.Position{X: 1, Y: 2}) {
		t.Fatalf("got %v, want (1,2)", a.Position())
	}
	if a.Facing() != grid.South {
		t.Fatalf("retreat must not change facing, got %v", a.Facing())
	}
}

func TestTurnsAlwaysSucceed(t *testing.T) {
	a := openFloorAgent(grid.Position{}, grid.North, grid.Position{X: 5, Y: 5})
	for i := 0; i < 4; i++ {
		if !a.TurnRight() {
			t.Fatalf("turn right reported failure")
		}
	}
	if a.Facing() != grid.North {
		t.Fatalf("four right turns should return to north, got %v", a.Facing())
	}
	if !a.TurnLeft() || !a.TurnRight() {
		t.Fatalf("turns reported failure")
	}
	if a.Facing() != grid.North {
		t.Fatalf("left then right should cancel, got %v", a.Facing())
	}
}

func TestPickAndDeliver(t *testing.T) {
	target := grid.Position{X: 2, Y: 0}
	a := openFloorAgent(grid.Position{X: 0, Y: 0}, grid.East, target)

	// Not holding: delivery fails anywhere.
	if a.DeliverPackage() {
		t.Fatalf("delivery without a package should fail")
	}
	if !a.PickPackage() {
		t.Fatalf("first pickup should succeed")
	}
	if a.PickPackage() {
		t.Fatalf("second pickup should fail")
	}

	// Holding but not at target.
	if a.DeliverPackage() {
		t.Fatalf("delivery away from the target should fail")
	}
	if !a.HasPackage() || a.Delivered() {
		t.Fatalf("failed delivery must not change package state")
	}

	a.MoveForward()
	a.MoveForward()
	if !a.AtTarget() {
		t.Fatalf("agent should be on the target, at %v", a.Position())
	}
	if !a.DeliverPackage() {
		t.Fatalf("delivery at the target while holding should succeed")
	}
	if a.HasPackage() {
		t.Fatalf("package still held after delivery")
	}
	if !a.Delivered() {
		t.Fatalf("delivered flag not latched")
	}

	// Delivered latches; repeat delivery fails without clearing it.
	if a.DeliverPackage() {
		t.Fatalf("repeat delivery should fail")
	}
	if !a.Delivered() {
		t.Fatalf("delivered flag cleared by failed delivery")
	}
}

func TestFacingTarget(t *testing.T) {
	target := grid.Position{X: 5, Y: 3}
	cases := []struct {
		pos    grid.Position
		facing grid.Direction
		want   bool
	}{
		{grid.Position{X: 1, Y: 3}, grid.East, true},   // straight at it
		{grid.Position{X: 1, Y: 3}, grid.West, false},  // straight away
		{grid.Position{X: 1, Y: 3}, grid.North, false}, // perpendicular, zero component
		{grid.Position{X: 1, Y: 1}, grid.North, true},  // diagonal, positive on facing axis
		{grid.Position{X: 1, Y: 1}, grid.East, true},
		{grid.Position{X: 9, Y: 9}, grid.South, true},
		{grid.Position{X: 9, Y: 9}, grid.North, false},
		{grid.Position{X: 5, Y: 3}, grid.West, true}, // on the target, any facing
	}
	for _, c := range cases {
		a := openFloorAgent(c.pos, c.facing, target)
		if got := a.FacingTarget(); got != c.want {
			t.Fatalf("pos %v facing %v: got %v want %v", c.pos, c.facing, got, c.want)
		}
	}
}

func TestTurnPredicates(t *testing.T) {
	cases := []struct {
		name      string
		pos       grid.Position
		facing    grid.Direction
		target    grid.Position
		wantRight bool
		wantLeft  bool
	}{
		// x dominant, target east of agent.
		{"north wants right to east", grid.Position{X: 0, Y: 0}, grid.North, grid.Position{X: 5, Y: 2}, true, false},
		{"south wants left to east", grid.Position{X: 0, Y: 0}, grid.South, grid.Position{X: 5, Y: 2}, false, true},
		// x dominant, target west of agent.
		{"north wants left to west", grid.Position{X: 9, Y: 0}, grid.North, grid.Position{X: 2, Y: 2}, false, true},
		{"south wants right to west", grid.Position{X: 9, Y: 0}, grid.South, grid.Position{X: 2, Y: 2}, true, false},
		// Facing already on the dominant axis: no request either way,
		// even pointing the wrong way along it.
		{"east on dominant axis", grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 5, Y: 2}, false, false},
		{"west on dominant axis wrong way", grid.Position{X: 0, Y: 0}, grid.West, grid.Position{X: 5, Y: 2}, false, false},
		// y dominant.
		{"east wants left to north", grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 2, Y: 5}, false, true},
		{"east wants right to south", grid.Position{X: 0, Y: 9}, grid.East, grid.Position{X: 2, Y: 4}, true, false},
		{"west wants right to north", grid.Position{X: 0, Y: 0}, grid.West, grid.Position{X: 2, Y: 5}, true, false},
		{"west wants left to south", grid.Position{X: 0, Y: 9}, grid.West, grid.Position{X: 2, Y: 4}, false, true},
		{"north on dominant axis", grid.Position{X: 0, Y: 0}, grid.North, grid.Position{X: 2, Y: 5}, false, false},
		// Tie counts as x dominant.
		{"tie treats x as dominant", grid.Position{X: 0, Y: 0}, grid.North, grid.Position{X: 4, Y: 4}, true, false},
		{"tie with east facing asks nothing", grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 4, Y: 4}, false, false},
		{"tie with west facing asks nothing", grid.Position{X: 0, Y: 0}, grid.West, grid.Position{X: 4, Y: 4}, false, false},
		// On the target.
		{"on target asks nothing", grid.Position{X: 4, Y: 4}, grid.East, grid.Position{X: 4, Y: 4}, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := openFloorAgent(c.pos, c.facing, c.target)
			if got := a.ShouldTurnRight(); got != c.wantRight {
				t.Fatalf("ShouldTurnRight: got %v want %v", got, c.wantRight)
			}
			if got := a.ShouldTurnLeft(); got != c.wantLeft {
				t.Fatalf("ShouldTurnLeft: got %v want %v", got, c.wantLeft)
			}
		})
	}
}

func TestPredicatesArePure(t *testing.T) {
	obstacles := grid.NewObstacles([]grid.Position{{X: 1, Y: 0}})
	a := New(grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 4, Y: 4}, obstacles)
	a.PickPackage()

	snapshot := func() (grid.Position, grid.Direction, bool, bool) {
		return a.Position(), a.Facing(), a.HasPackage(), a.Delivered()
	}
	p0, f0, h0, d0 := snapshot()

	preds := []func() bool{
		a.AtTarget, a.FacingTarget, a.FacingObstacle,
		a.ShouldTurnRight, a.ShouldTurnLeft, a.HasPackage, a.Delivered,
	}
	for i, pred := range preds {
		first := pred()
		second := pred()
		if first != second {
			t.Fatalf("predicate %d not idempotent: %v then %v", i, first, second)
		}
	}
	p1, f1, h1, d1 := snapshot()
	if p0 != p1 || f0 != f1 || h0 != h1 || d0 != d1 {
		t.Fatalf("predicates mutated agent state")
	}
}
