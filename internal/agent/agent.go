// Package agent holds the delivery robot: a mutable
// (position, facing, holding) triple over a read-only obstacle set,
// exposed as the pure predicates and boolean actions a policy tree is
// wired from.
package agent

import "warebot.ai/internal/grid"

// Agent is the single mutable entity of a run. The policy tree reads it
// through the predicate methods and mutates it through the action
// methods only; nothing else writes it while a run is live.
type Agent struct {
	pos       grid.Position
	facing    grid.Direction
	target    grid.Position
	obstacles *grid.Obstacles

	holding   bool
	delivered bool
}

// New returns an agent at start, not holding a package. The obstacle
// set is shared and read-only; nil means an open floor.
func New(start grid.Position, facing grid.Direction, target grid.Position, obstacles *grid.Obstacles) *Agent {
	return &Agent{pos: start, facing: facing, target: target, obstacles: obstacles}
}

// Restore rebuilds an agent from persisted state, bypassing the pickup
// and delivery transitions. Fresh runs use New.
func Restore(pos grid.Position, facing grid.Direction, target grid.Position, obstacles *grid.Obstacles, holding, delivered bool) *Agent {
	return &Agent{pos: pos, facing: facing, target: target, obstacles: obstacles, holding: holding, delivered: delivered}
}

func (a *Agent) Position() grid.Position { return a.pos }

func (a *Agent) Facing() grid.Direction { return a.facing }

func (a *Agent) Target() grid.Position { return a.target }

// HasPackage reports whether the agent currently holds the package.
func (a *Agent) HasPackage() bool { return a.holding }

// Delivered reports whether the package has been handed off at the
// target. It stays false until a successful DeliverPackage, even if the
// agent started on the target cell.
func (a *Agent) Delivered() bool { return a.delivered }

// AtTarget reports position == target. Facing does not matter.
func (a *Agent) AtTarget() bool { return a.pos == a.target }

// FacingObstacle reports whether the cell one step ahead is blocked.
func (a *Agent) FacingObstacle() bool {
	return a.obstacles.Blocked(a.pos.Step(a.facing))
}

// FacingTarget reports whether the displacement to the target has a
// strictly positive component along the facing axis. Only that axis is
// checked: a diagonal residual on the other axis still counts as
// facing the target. On the target cell it is true regardless of
// facing.
func (a *Agent) FacingTarget() bool {
	if a.pos == a.target {
		return true
	}
	dx := a.target.X - a.pos.X
	dy := a.target.Y - a.pos.Y
	fx, fy := a.facing.Delta()
	return dx*fx+dy*fy > 0
}

// ShouldTurnRight reports whether one right quarter-turn would point
// the agent along the dominant axis of the remaining displacement in
// the helpful sense. Ties (|dx| == |dy|) count as x-dominant. A facing
// already on the dominant axis never requests a turn, even when it
// points the wrong way along it; the off-axis tie case where both turn
// predicates are false is left to the policy's fallback.
func (a *Agent) ShouldTurnRight() bool {
	dx := a.target.X - a.pos.X
	dy := a.target.Y - a.pos.Y
	if dx == 0 && dy == 0 {
		return false
	}
	if abs(dx) >= abs(dy) {
		switch a.facing {
		case grid.North:
			return dx > 0
		case grid.South:
			return dx < 0
		}
		return false
	}
	switch a.facing {
	case grid.East:
		return dy < 0
	case grid.West:
		return dy > 0
	}
	return false
}

// ShouldTurnLeft mirrors ShouldTurnRight for a left quarter-turn.
func (a *Agent) ShouldTurnLeft() bool {
	dx := a.target.X - a.pos.X
	dy := a.target.Y - a.pos.Y
	if dx == 0 && dy == 0 {
		return false
	}
	if abs(dx) >= abs(dy) {
		switch a.facing {
		case grid.North:
			return dx < 0
		case grid.South:
			return dx > 0
		}
		return false
	}
	switch a.facing {
	case grid.East:
		return dy > 0
	case grid.West:
		return dy < 0
	}
	return false
}

// MoveForward advances one cell along the facing direction. It fails,
// leaving the agent in place, when that cell is blocked.
func (a *Agent) MoveForward() bool {
	dest := a.pos.Step(a.facing)
	if a.obstacles.Blocked(dest) {
		return false
	}
	a.pos = dest
	return true
}

// MoveBackward retreats one cell opposite the facing direction without
// changing facing. The stock policy never calls it; alternative trees
// may.
func (a *Agent) MoveBackward() bool {
	dest := a.pos.Step(a.facing.Opposite())
	if a.obstacles.Blocked(dest) {
		return false
	}
	a.pos = dest
	return true
}

// TurnLeft rotates facing one quarter-turn left. Turns always succeed.
func (a *Agent) TurnLeft() bool {
	a.facing = a.facing.Left()
	return true
}

// TurnRight rotates facing one quarter-turn right. Turns always
// succeed.
func (a *Agent) TurnRight() bool {
	a.facing = a.facing.Right()
	return true
}

// PickPackage takes the package. It fails when one is already held.
func (a *Agent) PickPackage() bool {
	if a.holding {
		return false
	}
	a.holding = true
	return true
}

// DeliverPackage hands the package off. It succeeds only while holding
// on the target cell; on success the held flag clears and Delivered
// latches true.
func (a *Agent) DeliverPackage() bool {
	if !a.holding || a.pos != a.target {
		return false
	}
	a.holding = false
	a.delivered = true
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
