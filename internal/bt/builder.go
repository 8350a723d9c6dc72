package bt

// Builder assembles a tree without manual child wiring. Sequence and
// Selector open a scope; nodes added while a scope is open become
// children of its composite; End closes the innermost scope. The first
// node added at the outermost level is the root.
//
// Shape mistakes are programmer errors, so the builder panics rather
// than returning errors: Build with no root or with open scopes, End
// with no open scope, a second outermost node, and any use after Build
// all panic.
type Builder struct {
	root  Node
	stack []appender
	obs   Observer
	built bool
}

type appender interface {
	Node
	append(Node)
}

func (s *Sequence) append(n Node) { s.children = append(s.children, n) }
func (s *Selector) append(n Node) { s.children = append(s.children, n) }

func NewBuilder() *Builder {
	return &Builder{}
}

// Observe instruments every leaf added after this call with obs.
func (b *Builder) Observe(obs Observer) *Builder {
	b.obs = obs
	return b
}

// Condition adds a predicate leaf to the open scope.
func (b *Builder) Condition(name string, pred func() bool) *Builder {
	b.add(Observed(NewCondition(name, pred), b.obs))
	return b
}

// Do adds an action leaf to the open scope.
func (b *Builder) Do(name string, op func() bool) *Builder {
	b.add(Observed(NewAction(name, op), b.obs))
	return b
}

// Sequence opens an all-must-succeed scope.
func (b *Builder) Sequence() *Builder {
	b.push(NewSequence())
	return b
}

// Selector opens a first-success-wins scope.
func (b *Builder) Selector() *Builder {
	b.push(NewSelector())
	return b
}

// End closes the innermost open scope.
func (b *Builder) End() *Builder {
	b.checkLive()
	if len(b.stack) == 0 {
		panic("bt: End with no open scope")
	}
	b.stack = b.stack[:len(b.stack)-1]
	return b
}

// Build returns the finished root and retires the builder.
func (b *Builder) Build() Node {
	b.checkLive()
	if b.root == nil {
		panic("bt: Build with no root")
	}
	if len(b.stack) != 0 {
		panic("bt: Build with unclosed scopes")
	}
	b.built = true
	return b.root
}

func (b *Builder) push(c appender) {
	b.add(c)
	b.stack = append(b.stack, c)
}

func (b *Builder) add(n Node) {
	b.checkLive()
	if len(b.stack) > 0 {
		b.stack[len(b.stack)-1].append(n)
		return
	}
	if b.root != nil {
		panic("bt: a tree has exactly one root")
	}
	b.root = n
}

func (b *Builder) checkLive() {
	if b.built {
		panic("bt: builder reused after Build")
	}
}
