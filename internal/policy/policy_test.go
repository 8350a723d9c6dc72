package policy

import (
	"fmt"
	"testing"

	"warebot.ai/internal/agent"
	"warebot.ai/internal/bt"
	"warebot.ai/internal/grid"
)

type leafRec struct {
	events []string
}

func (r *leafRec) Leaf(kind bt.Kind, name string, ok bool) {
	r.events = append(r.events, fmt.Sprintf("%s=%v", name, ok))
}

func (r *leafRec) reset() { r.events = r.events[:0] }

func TestDeliveryBeforeNavigation(t *testing.T) {
	target := grid.Position{X: 3, Y: 3}
	a := agent.New(target, grid.West, target, nil)
	a.PickPackage()

	tree := Tree(a, nil)
	if !tree.Evaluate() {
		t.Fatalf("delivery tick should succeed")
	}
	if !a.Delivered() || a.HasPackage() {
		t.Fatalf("package not delivered: delivered=%v holding=%v", a.Delivered(), a.HasPackage())
	}
	if a.Position() != target || a.Facing() != grid.West {
		t.Fatalf("delivery must not move or turn: pos=%v facing=%v", a.Position(), a.Facing())
	}
}

func TestIdleAtTargetWithoutPackage(t *testing.T) {
	target := grid.Position{X: 3, Y: 3}
	a := agent.New(target, grid.North, target, nil)

	// Neither branch applies: no package to deliver, and navigation is
	// gated on being off-target. The tick is a genuine no-op.
	tree := Tree(a, nil)
	if tree.Evaluate() {
		t.Fatalf("idle tick at target should report false")
	}
	if a.Position() != target || a.Facing() != grid.North {
		t.Fatalf("idle tick must not change state")
	}
}

func TestAdvanceWhenFacingClear(t *testing.T) {
	a := agent.New(grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 5, Y: 0}, nil)
	a.PickPackage()

	tree := Tree(a, nil)
	if !tree.Evaluate() {
		t.Fatalf("advance tick should succeed")
	}
	if a.Position() != (grid.Position{X: 1, Y: 0}) {
		t.Fatalf("got %v, want (1,0)", a.Position())
	}
	if a.Facing() != grid.East {
		t.Fatalf("advance must not turn, facing %v", a.Facing())
	}
}

func TestDetourPrefersLeft(t *testing.T) {
	obstacles := grid.NewObstacles([]grid.Position{{X: 1, Y: 0}})
	a := agent.New(grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 5, Y: 0}, obstacles)
	a.PickPackage()

	tree := Tree(a, nil)
	if !tree.Evaluate() {
		t.Fatalf("detour tick should succeed")
	}
	// Left of east is north: one turn plus one move in the same tick.
	if a.Facing() != grid.North {
		t.Fatalf("facing %v, want north", a.Facing())
	}
	if a.Position() != (grid.Position{X: 0, Y: 1}) {
		t.Fatalf("got %v, want (0,1)", a.Position())
	}
}

func TestTieFallbackBreaksDeadlock(t *testing.T) {
	// |dx| == |dy| with an orthogonal facing: both turn predicates are
	// false and only the unconditional tail of the turning selector can
	// act. Without it the whole tick would be a no-op forever.
	a := agent.New(grid.Position{X: 0, Y: 0}, grid.West, grid.Position{X: 4, Y: 4}, nil)
	a.PickPackage()

	if a.ShouldTurnRight() || a.ShouldTurnLeft() {
		t.Fatalf("tie case must leave both turn predicates false")
	}

	rec := &leafRec{}
	tree := Tree(a, rec)
	if !tree.Evaluate() {
		t.Fatalf("tick must still succeed via the fallback turn")
	}
	if a.Position() != (grid.Position{X: 0, Y: 0}) {
		t.Fatalf("fallback must not move, got %v", a.Position())
	}
	if a.Facing() != grid.North {
		t.Fatalf("fallback should turn right from west, got %v", a.Facing())
	}

	last := rec.events[len(rec.events)-1]
	if last != ActTurnRight+"=true" {
		t.Fatalf("last leaf %q, want the fallback turn", last)
	}
}

func TestAvoidanceBothSidesBlocked(t *testing.T) {
	// Ahead and left are blocked. The left attempt turns and fails its
	// move; the right attempt turns back and retries the original
	// blocked cell, so the avoidance branch nets out to a facing-only
	// shuffle and reports false, and the turning correction fires in
	// the same evaluation.
	obstacles := grid.NewObstacles([]grid.Position{{X: 1, Y: 0}, {X: 0, Y: 1}})
	target := grid.Position{X: 2, Y: 7}

	a := agent.New(grid.Position{X: 0, Y: 0}, grid.East, target, obstacles)
	avoidance := bt.NewSequence(
		bt.NewCondition(CondFacingObstacle, a.FacingObstacle),
		bt.NewSelector(
			bt.NewSequence(bt.NewAction(ActTurnLeft, a.TurnLeft), bt.NewAction(ActMoveForward, a.MoveForward)),
			bt.NewSequence(bt.NewAction(ActTurnRight, a.TurnRight), bt.NewAction(ActMoveForward, a.MoveForward)),
		),
	)
	if avoidance.Evaluate() {
		t.Fatalf("avoidance should fail with both sides blocked")
	}
	if a.Position() != (grid.Position{X: 0, Y: 0}) {
		t.Fatalf("failed avoidance must not move, got %v", a.Position())
	}
	if a.Facing() != grid.East {
		t.Fatalf("failed avoidance nets out to the original facing, got %v", a.Facing())
	}

	// Full tree over a fresh agent in the same spot: the turning
	// correction picks up after the failed avoidance.
	a = agent.New(grid.Position{X: 0, Y: 0}, grid.East, target, obstacles)
	a.PickPackage()
	rec := &leafRec{}
	tree := Tree(a, rec)
	if !tree.Evaluate() {
		t.Fatalf("tick should succeed via turning correction")
	}
	if a.Position() != (grid.Position{X: 0, Y: 0}) {
		t.Fatalf("turning correction must not move, got %v", a.Position())
	}
	if a.Facing() != grid.North {
		t.Fatalf("dy dominates so east should turn left to north, got %v", a.Facing())
	}

	want := []string{
		CondAtTarget + "=false",
		CondNotAtTarget + "=true",
		CondFacingTarget + "=true",
		CondClearAhead + "=false",
		CondFacingObstacle + "=true",
		ActTurnLeft + "=true",
		ActMoveForward + "=false",
		ActTurnRight + "=true",
		ActMoveForward + "=false",
		CondShouldTurnRight + "=false",
		CondShouldTurnLeft + "=true",
		ActTurnLeft + "=true",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("leaf feed %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("leaf %d: got %q want %q", i, rec.events[i], want[i])
		}
	}
}

func TestWarehouseDelivery(t *testing.T) {
	obstacles := grid.NewObstacles([]grid.Position{
		{X: 2, Y: 3}, {X: 3, Y: 3}, {X: 4, Y: 3},
		{X: 5, Y: 1}, {X: 5, Y: 2}, {X: 5, Y: 3},
	})
	target := grid.Position{X: 6, Y: 6}
	a := agent.New(grid.Position{X: 1, Y: 1}, grid.East, target, obstacles)
	a.PickPackage()
	tree := Tree(a, nil)

	const maxTicks = 200
	type state struct {
		pos    grid.Position
		facing grid.Direction
	}
	prev := state{a.Position(), a.Facing()}
	repeats := 0
	ticks := 0
	path := []grid.Position{a.Position()}

	for ticks = 0; ticks < maxTicks; ticks++ {
		tree.Evaluate()
		cur := state{a.Position(), a.Facing()}
		if cur == prev {
			repeats++
			if repeats > 4 {
				t.Fatalf("state %v repeated %d consecutive ticks", cur, repeats)
			}
		} else {
			repeats = 0
		}
		if cur.pos != path[len(path)-1] {
			path = append(path, cur.pos)
		}
		prev = cur
		if a.Delivered() {
			ticks++
			break
		}
	}

	if !a.Delivered() {
		t.Fatalf("package not delivered within %d ticks", maxTicks)
	}
	if ticks != 21 {
		t.Fatalf("delivered after %d ticks, want 21", ticks)
	}
	if a.Position() != target {
		t.Fatalf("final position %v, want %v", a.Position(), target)
	}
	if a.HasPackage() {
		t.Fatalf("package still held after delivery")
	}

	wantPath := []grid.Position{
		{X: 1, Y: 1}, {X: 2, Y: 1}, {X: 3, Y: 1}, {X: 4, Y: 1},
		{X: 4, Y: 2}, {X: 3, Y: 2}, {X: 2, Y: 2}, {X: 1, Y: 2},
		{X: 1, Y: 3}, {X: 1, Y: 4}, {X: 1, Y: 5}, {X: 1, Y: 6},
		{X: 2, Y: 6}, {X: 3, Y: 6}, {X: 4, Y: 6}, {X: 5, Y: 6}, {X: 6, Y: 6},
	}
	if len(path) != len(wantPath) {
		t.Fatalf("path %v, want %v", path, wantPath)
	}
	for i := range wantPath {
		if path[i] != wantPath[i] {
			t.Fatalf("path[%d]: got %v want %v", i, path[i], wantPath[i])
		}
	}
}

func TestTreeEvaluationIsRepeatable(t *testing.T) {
	// The tree holds no state of its own: two agents wired to two trees
	// built the same way trace identical paths.
	build := func() (*agent.Agent, bt.Node) {
		obstacles := grid.NewObstacles([]grid.Position{{X: 2, Y: 0}, {X: 2, Y: 1}})
		a := agent.New(grid.Position{X: 0, Y: 0}, grid.East, grid.Position{X: 5, Y: 5}, obstacles)
		a.PickPackage()
		return a, Tree(a, nil)
	}
	a1, t1 := build()
	a2, t2 := build()
	for i := 0; i < 40; i++ {
		r1 := t1.Evaluate()
		r2 := t2.Evaluate()
		if r1 != r2 {
			t.Fatalf("tick %d: results diverged (%v vs %v)", i, r1, r2)
		}
		if a1.Position() != a2.Position() || a1.Facing() != a2.Facing() {
			t.Fatalf("tick %d: state diverged (%v %v vs %v %v)", i, a1.Position(), a1.Facing(), a2.Position(), a2.Facing())
		}
	}
}
