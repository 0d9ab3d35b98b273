package model

import "fmt"

// ParseError is produced by the (out-of-scope) XML parser that builds a
// TableData; the runtime surfaces these unchanged via StateMachine.Errors
// (spec.md §6). Grounded on the Qt original's ScxmlError value type.
type ParseError struct {
	FileName    string
	Line        int
	Column      int
	Description string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.FileName, e.Line, e.Column, e.Description)
}

func (e ParseError) String() string { return e.Error() }
