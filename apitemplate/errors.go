package apitemplate

import "fmt"

// ErrorKind classifies a RenderError (spec §4.1).
type ErrorKind string

const (
	KindParseError    ErrorKind = "ParseError"
	KindUnknownHelper ErrorKind = "UnknownHelper"
	KindArityError    ErrorKind = "ArityError"
	KindTypeError     ErrorKind = "TypeError"
	KindStateConflict ErrorKind = "StateConflict"
)

// RenderError is returned by Render; it never panics, and always carries a
// byte offset into the template it was raised from.
type RenderError struct {
	Kind   ErrorKind
	Offset int
	Msg    string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", e.Kind, e.Offset, e.Msg)
}

func newErr(kind ErrorKind, offset int, format string, args ...any) *RenderError {
	return &RenderError{Kind: kind, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}
