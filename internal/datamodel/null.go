package datamodel

import "github.com/hulaishun/qtscxml/internal/model"

// Null implements the SCXML "null" datamodel: the chart has no variables.
// Grounded on extensibility.DefaultGuardEvaluator's fail-closed-on-string
// behavior — every operation that would need an expression language fails,
// exactly as the teacher's default guard/action runners treat an
// unrecognized (string) reference as an error rather than panicking.
type Null struct{}

func NewNull() *Null { return &Null{} }

func (*Null) Setup(map[string]any) bool { return true }

func (*Null) EvaluateToString(model.EvaluatorId) (string, bool) { return "", false }
func (*Null) EvaluateToBool(id model.EvaluatorId) (bool, bool) {
	if id == model.NoEvaluator {
		return true, true // an absent cond is "no guard", i.e. trivially true
	}
	return false, false
}
func (*Null) EvaluateToVariant(model.EvaluatorId) (Value, bool) { return Value{}, false }
func (*Null) EvaluateToVoid(model.EvaluatorId) bool             { return false }

func (*Null) EvaluateAssignment(model.EvaluatorId) bool      { return false }
func (*Null) EvaluateInitialization(model.EvaluatorId) bool  { return false }
func (*Null) EvaluateForeach(model.EvaluatorId, string, string, ForeachBody) bool {
	return false
}

func (*Null) SetEvent(model.Event) {}

func (*Null) Property(string) (Value, bool)  { return Value{}, false }
func (*Null) HasProperty(string) bool        { return false }
func (*Null) SetProperty(string, Value) bool { return false }
