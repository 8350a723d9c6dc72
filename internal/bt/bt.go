// Package bt implements a minimal boolean behavior tree. Every node
// answers Evaluate with a bare bool: true is success, false is failure,
// and there is no error channel. Failure to act is an ordinary false,
// not an exceptional state.
//
// Trees are built once and never mutated afterwards. Nodes hold no
// evaluation state of their own; all state lives behind the closures
// the leaves are wired to, so the same tree may be evaluated any number
// of times.
package bt

// Kind identifies the node variants.
type Kind int

const (
	KindCondition Kind = iota
	KindAction
	KindSequence
	KindSelector
)

func (k Kind) String() string {
	switch k {
	case KindCondition:
		return "condition"
	case KindAction:
		return "action"
	case KindSequence:
		return "sequence"
	case KindSelector:
		return "selector"
	}
	return "unknown"
}

// Node is the single capability every tree element exposes.
type Node interface {
	Evaluate() bool
}

// Condition wraps a pure predicate. The predicate must not mutate any
// state the tree decides over.
type Condition struct {
	name string
	pred func() bool
}

// NewCondition panics on a nil predicate.
func NewCondition(name string, pred func() bool) *Condition {
	if pred == nil {
		panic("bt: nil condition predicate")
	}
	return &Condition{name: name, pred: pred}
}

func (c *Condition) Name() string { return c.name }

func (c *Condition) Evaluate() bool { return c.pred() }

// Action wraps an operation that may mutate external state. Its boolean
// result is the only outcome channel: a failed action reports false and
// leaves state untouched.
type Action struct {
	name string
	op   func() bool
}

// NewAction panics on a nil operation.
func NewAction(name string, op func() bool) *Action {
	if op == nil {
		panic("bt: nil action operation")
	}
	return &Action{name: name, op: op}
}

func (a *Action) Name() string { return a.name }

func (a *Action) Evaluate() bool { return a.op() }

// Sequence evaluates children left to right and fails on the first
// false child, skipping the rest. An empty sequence is vacuously true.
type Sequence struct {
	children []Node
}

func NewSequence(children ...Node) *Sequence {
	return &Sequence{children: children}
}

func (s *Sequence) Evaluate() bool {
	for _, c := range s.children {
		if !c.Evaluate() {
			return false
		}
	}
	return true
}

// Selector evaluates children left to right and succeeds on the first
// true child, skipping the rest. Child order is priority order. An
// empty selector is false.
type Selector struct {
	children []Node
}

func NewSelector(children ...Node) *Selector {
	return &Selector{children: children}
}

func (s *Selector) Evaluate() bool {
	for _, c := range s.children {
		if c.Evaluate() {
			return true
		}
	}
	return false
}

// Observer receives the outcome of every instrumented leaf, in
// evaluation order, as a side channel of Evaluate. Implementations are
// called synchronously and must be cheap. Composite outcomes are
// derivable from the leaf feed and are not reported.
type Observer interface {
	Leaf(kind Kind, name string, ok bool)
}

type observed struct {
	inner Node
	kind  Kind
	name  string
	obs   Observer
}

func (o *observed) Evaluate() bool {
	ok := o.inner.Evaluate()
	o.obs.Leaf(o.kind, o.name, ok)
	return ok
}

// Observed wraps a Condition or Action so its outcomes are reported to
// obs. Other nodes, or a nil obs, pass through unwrapped. The wrapper
// keeps narration out of the leaves themselves.
func Observed(n Node, obs Observer) Node {
	if obs == nil {
		return n
	}
	switch v := n.(type) {
	case *Condition:
		return &observed{inner: n, kind: KindCondition, name: v.name, obs: obs}
	case *Action:
		return &observed{inner: n, kind: KindAction, name: v.name, obs: obs}
	}
	return n
}
