package expr

// Node is one node of the parsed expression tree.
type Node interface {
	node()
}

// Literal is a number, string, boolean, or null constant.
type Literal struct {
	Value any
}

// Identifier is a bare variable reference, resolved against the scope.
// Missing identifiers evaluate to null rather than erroring.
type Identifier struct {
	Name string
}

// Unary is !x, -x, or +x.
type Unary struct {
	Op      string
	Operand Node
}

// Binary is a two-operand expression: arithmetic, comparison, or logical.
// Logical operators short-circuit and return operand values, as JS does.
type Binary struct {
	Op    string
	Left  Node
	Right Node
}

// Ternary is cond ? then : else.
type Ternary struct {
	Cond Node
	Then Node
	Else Node
}

// Property is obj.name access. The synthetic property "length" is
// recognized on arrays and strings.
type Property struct {
	Object Node
	Name   string
}

// Index is obj[expr] access, covering array indexing and dynamic keys.
type Index struct {
	Object Node
	Key    Node
}

// Call is a method invocation like items.includes(x).
type Call struct {
	Callee Node
	Args   []Node
}

func (*Literal) node()    {}
func (*Identifier) node() {}
func (*Unary) node()      {}
func (*Binary) node()     {}
func (*Ternary) node()    {}
func (*Property) node()   {}
func (*Index) node()      {}
func (*Call) node()       {}
