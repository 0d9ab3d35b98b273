// Package model defines the immutable compiled-chart representation (TableData)
// and the value types that flow through the interpreter: events, ids, and
// instructions. Nothing in this package mutates after construction; the
// interpreter treats a *TableData as shared-immutable across sessions.
package model

// StringId addresses an entry in TableData's string pool.
type StringId int

// ContainerId addresses an executable-content container in TableData's
// instruction pool.
type ContainerId int

// InstructionId addresses a single instruction within a container.
type InstructionId int

// StateId addresses a compiled state node.
type StateId int

// TransitionId addresses a compiled transition.
type TransitionId int

// EvaluatorId addresses a compiled guard/expression/assignment evaluator.
type EvaluatorId int

// Sentinels distinguishable from any valid id (ids are assigned >= 0).
const (
	NoString      StringId      = -1
	NoInstruction InstructionId = -1
	NoContainer   ContainerId   = -1
	NoState       StateId       = -1
	NoTransition  TransitionId  = -1
	NoEvaluator   EvaluatorId   = -1
)
