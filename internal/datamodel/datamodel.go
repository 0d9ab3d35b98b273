// Package datamodel implements the abstract DataModel contract from spec.md
// §4.C: expression evaluation, location read/write, event binding, and
// foreach iteration, uniform across whatever concrete data-model language a
// chart declares. The runtime core only ever talks to this interface.
package datamodel

import "github.com/hulaishun/qtscxml/internal/model"

// ForeachBody is the closure/functor callback invoked once per element by
// EvaluateForeach — the teacher's ForeachLoopBody pattern collapsed into a
// plain func, per Design Notes.
type ForeachBody func(item Value, index int) (ok bool)

// BindingMode selects when a chart's <datamodel> entries are initialised.
type BindingMode string

const (
	Early BindingMode = "early"
	Late  BindingMode = "late"
)

// DataModel is the polymorphic capability set spec.md §4.C requires.
// Implementations correspond to SCXML's null/ecmascript/xpath data-model
// languages; the runtime treats them uniformly and never branches on which
// one is in use.
type DataModel interface {
	// Setup populates initial data, respecting binding mode (the caller is
	// responsible for calling this only for the entries that are in scope
	// for the current binding mode — early at startup, late on first entry
	// of the owning state).
	Setup(initialValues map[string]any) bool

	EvaluateToString(id model.EvaluatorId) (string, bool)
	EvaluateToBool(id model.EvaluatorId) (bool, bool)
	EvaluateToVariant(id model.EvaluatorId) (Value, bool)
	EvaluateToVoid(id model.EvaluatorId) bool

	// EvaluateAssignment runs an <assign location expr> compiled as a single
	// evaluator whose text is "location = expr" (the Builder/parser's job to
	// produce); EvaluateInitialization does the same for <data id expr>.
	EvaluateAssignment(id model.EvaluatorId) bool
	EvaluateInitialization(id model.EvaluatorId) bool

	// EvaluateForeach iterates the array-valued expression id, invoking
	// body once per element with itemLoc/indexLoc bound in the model for
	// the duration of each call. Returns false (without completing the
	// loop) as soon as body returns false, or if id isn't an array.
	EvaluateForeach(id model.EvaluatorId, itemLoc, indexLoc string, body ForeachBody) bool

	// SetEvent binds the implicit _event symbol for the scope of the
	// current macrostep.
	SetEvent(ev model.Event)

	Property(name string) (Value, bool)
	HasProperty(name string) bool
	SetProperty(name string, value Value) bool
}
