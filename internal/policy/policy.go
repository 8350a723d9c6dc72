// Package policy wires the stock delivery behavior tree over an agent.
// The tree is fixed: the only way its behavior changes between runs is
// through the scenario the agent is constructed from.
package policy

import (
	"warebot.ai/internal/agent"
	"warebot.ai/internal/bt"
)

// Leaf names as they appear in traces and observer feeds.
const (
	CondAtTarget        = "at_target"
	CondNotAtTarget     = "not_at_target"
	CondHasPackage      = "has_package"
	CondFacingTarget    = "facing_target"
	CondClearAhead      = "clear_ahead"
	CondFacingObstacle  = "facing_obstacle"
	CondShouldTurnRight = "should_turn_right"
	CondShouldTurnLeft  = "should_turn_left"

	ActDeliver     = "deliver_package"
	ActMoveForward = "move_forward"
	ActTurnLeft    = "turn_left"
	ActTurnRight   = "turn_right"
)

// Tree builds the delivery policy over a. Root priorities, highest
// first:
//
//  1. deliver, when standing on the target with the package;
//  2. navigate, gated on not being at the target:
//     a. advance, when facing the target with the cell ahead clear;
//     b. detour around an obstacle ahead, left first then right (the
//     turn of a failed attempt persists, so a failed left detour is
//     retried to the right from the already-rotated facing);
//     c. correct facing toward the dominant axis of the remaining
//     displacement, falling back to a bare right turn so the tie
//     case with both turn predicates false still makes progress.
//
// Every leaf is instrumented with obs when it is non-nil.
func Tree(a *agent.Agent, obs bt.Observer) bt.Node {
	b := bt.NewBuilder().Observe(obs)

	b.Selector()

	b.Sequence().
		Condition(CondAtTarget, a.AtTarget).
		Condition(CondHasPackage, a.HasPackage).
		Do(ActDeliver, a.DeliverPackage).
		End()

	b.Sequence().
		Condition(CondNotAtTarget, func() bool { return !a.AtTarget() })

	b.Selector()

	b.Sequence().
		Condition(CondFacingTarget, a.FacingTarget).
		Condition(CondClearAhead, func() bool { return !a.FacingObstacle() }).
		Do(ActMoveForward, a.MoveForward).
		End()

	b.Sequence().
		Condition(CondFacingObstacle, a.FacingObstacle).
		Selector().
		Sequence().Do(ActTurnLeft, a.TurnLeft).Do(ActMoveForward, a.MoveForward).End().
		Sequence().Do(ActTurnRight, a.TurnRight).Do(ActMoveForward, a.MoveForward).End().
		End().
		End()

	b.Selector().
		Sequence().Condition(CondShouldTurnRight, a.ShouldTurnRight).Do(ActTurnRight, a.TurnRight).End().
		Sequence().Condition(CondShouldTurnLeft, a.ShouldTurnLeft).Do(ActTurnLeft, a.TurnLeft).End().
		Do(ActTurnRight, a.TurnRight).
		End()

	b.End() // strategy selector
	b.End() // navigate sequence
	b.End() // root

	return b.Build()
}
