package model

import "fmt"

// Reserved event names the runtime itself raises (spec.md §6).
const (
	EventErrorExecution     = "error.execution"
	EventErrorCommunication = "error.communication"
)

// NewErrorExecution builds the synthetic error.execution platform event
// raised when an evaluator fails, an assignment targets an unknown
// location, or a foreach iterates a non-array. sendId is carried when the
// failing instruction was part of a <send>/<cancel>; pass "" otherwise.
func NewErrorExecution(sendId string, cause error) Event {
	return Event{
		Name:      EventErrorExecution,
		Type:      EventPlatform,
		SendId:    sendId,
		Data:      cause.Error(),
		Ignorable: true,
	}
}

// NewErrorCommunication builds the synthetic error.communication event
// raised when a <send> targets an unreachable destination.
func NewErrorCommunication(sendId string, cause error) Event {
	return Event{
		Name:      EventErrorCommunication,
		Type:      EventPlatform,
		SendId:    sendId,
		Data:      cause.Error(),
		Ignorable: true,
	}
}

// NewDoneState builds the done.state.<id> event raised when a compound
// state's final child is entered.
func NewDoneState(stateName string, doneData any) Event {
	return Event{
		Name: fmt.Sprintf("done.state.%s", stateName),
		Type: EventPlatform,
		Data: doneData,
	}
}

// NewDoneInvoke builds the done.invoke.<sessionId> event a finished child
// session posts to its parent. invokeId is set to the child's own session
// id, matching the Qt original (scxmlstatemachine.cpp, emitStateFinished):
// "done.invoke." + sessionId, not the factory's declared invoke id.
func NewDoneInvoke(childSessionId string, doneData any) Event {
	return Event{
		Name:     fmt.Sprintf("done.invoke.%s", childSessionId),
		Type:     EventPlatform,
		InvokeId: childSessionId,
		Data:     doneData,
	}
}
