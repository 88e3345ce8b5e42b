// Package completion issues completion requests for settled edits and keeps
// only the suggestion for the most recently issued one.
package completion

import (
	"context"
	"errors"
)

// DefaultLanguage is sent when the caller does not name one.
const DefaultLanguage = "python"

var (
	// ErrBackend wraps transport failures and non-2xx responses.
	ErrBackend = errors.New("completion: backend error")

	// ErrInvalidResponse wraps bodies that are not a suggestion object.
	ErrInvalidResponse = errors.New("completion: invalid response")
)

// Request is the body sent to the completion backend.
type Request struct {
	Code           string `json:"code"`
	CursorPosition int    `json:"cursorPosition"`
	Language       string `json:"language"`
}

// Response is the body returned by the completion backend.
type Response struct {
	Suggestion *string `json:"suggestion"`
}

// Completer maps a code snapshot to a suggestion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Suggestion is the visible completion state. Valid is false when there is
// nothing to show.
type Suggestion struct {
	Text  string
	Seq   uint64
	Valid bool
}
