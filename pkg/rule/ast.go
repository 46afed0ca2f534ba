// Package rule implements the condition IR and verdict evaluator
// described in spec.md §4.3, generalized from the teacher's PRG
// (RequirementSet) package. Where the teacher compiled a CEL
// expression string at evaluation time, this package accepts only
// pre-compiled Expr trees: a YAML/textual frontend is an external
// collaborator, never invoked here.
package rule

// Expr is a node in the condition AST. The evaluator switches on the
// concrete type, never on a discriminator field, following Go's usual
// sum-type-via-interface idiom.
type Expr interface {
	exprNode()
}

// Literal wraps a constant null/bool/int/float/string/list/map value.
type Literal struct {
	Value interface{}
}

// Ident resolves a top-level name in the evaluation context, e.g.
// "action", "time", "state", "env".
type Ident struct {
	Name string
}

// Field accesses a named member of the value produced by Base, e.g.
// action.tenant.
type Field struct {
	Base Expr
	Name string
}

// Index accesses Base[Key] where Key may itself be an expression,
// e.g. action.metadata.labels["team"].
type Index struct {
	Base Expr
	Key  Expr
}

// UnaryOp is the operator of a Unary node.
type UnaryOp string

const (
	OpNot UnaryOp = "not"
	OpNeg UnaryOp = "neg"
)

// Unary applies a single-operand operator.
type Unary struct {
	Op      UnaryOp
	Operand Expr
}

// BinaryOp is the operator of a Binary node.
type BinaryOp string

const (
	OpAdd        BinaryOp = "add"
	OpSub        BinaryOp = "sub"
	OpMul        BinaryOp = "mul"
	OpDiv        BinaryOp = "div"
	OpMod        BinaryOp = "mod"
	OpEq         BinaryOp = "eq"
	OpNe         BinaryOp = "ne"
	OpLt         BinaryOp = "lt"
	OpLe         BinaryOp = "le"
	OpGt         BinaryOp = "gt"
	OpGe         BinaryOp = "ge"
	OpAnd        BinaryOp = "and"
	OpOr         BinaryOp = "or"
	OpContains   BinaryOp = "contains"
	OpStartsWith BinaryOp = "starts_with"
	OpEndsWith   BinaryOp = "ends_with"
	OpMatches    BinaryOp = "matches"
	OpIn         BinaryOp = "in"
)

// Binary applies a two-operand operator. And/Or short-circuit.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// Ternary evaluates Then if Cond is truthy, else Else.
type Ternary struct {
	Cond Expr
	Then Expr
	Else Expr
}

// Call invokes a named built-in function with positional arguments.
type Call struct {
	Func string
	Args []Expr
}

// All is a lazy conjunction over a list of expressions; it
// short-circuits on the first falsy result.
type All struct {
	Exprs []Expr
}

// Any is a lazy disjunction over a list of expressions; it
// short-circuits on the first truthy result.
type Any struct {
	Exprs []Expr
}

// StateGet reads a state-store value by canonical key template, where
// KeyTemplate may itself reference action fields (e.g. via Call to a
// "format" builtin resolved by the frontend ahead of time). The
// evaluator treats KeyTemplate as an Expr evaluating to a string.
type StateGet struct {
	KeyTemplate Expr
}

// StateCounter reads a Counter-kind state entry's current integer
// value without incrementing it.
type StateCounter struct {
	KeyTemplate Expr
}

// StateTimeSince returns the elapsed duration, in seconds, since the
// State-kind entry at KeyTemplate was last written; absent entries
// evaluate to +Inf so "time since never" conditions read as "always
// true" for staleness checks.
type StateTimeSince struct {
	KeyTemplate Expr
}

// HasActiveEvent reports whether a live State-kind entry exists at
// "event:<type>" (or "event:<type>:<label>" when Label is set).
type HasActiveEvent struct {
	EventType Expr
	Label     Expr // may be nil
}

// GetEventState reads the EventState-kind value for a given
// fingerprint.
type GetEventState struct {
	Fingerprint Expr
}

// EventInState reports whether the EventState-kind entry for a
// fingerprint currently equals the given state name.
type EventInState struct {
	Fingerprint Expr
	State       Expr
}

func (Literal) exprNode()        {}
func (Ident) exprNode()          {}
func (Field) exprNode()          {}
func (Index) exprNode()          {}
func (Unary) exprNode()          {}
func (Binary) exprNode()         {}
func (Ternary) exprNode()        {}
func (Call) exprNode()           {}
func (All) exprNode()            {}
func (Any) exprNode()            {}
func (StateGet) exprNode()       {}
func (StateCounter) exprNode()   {}
func (StateTimeSince) exprNode() {}
func (HasActiveEvent) exprNode() {}
func (GetEventState) exprNode()  {}
func (EventInState) exprNode()   {}
