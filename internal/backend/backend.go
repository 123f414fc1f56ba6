package backend

import (
	"context"
	"errors"
	"fmt"

	"parlor/internal/domain"
)

// ErrorKind classifies backend call failures. None of them abort a round: the
// scheduler substitutes an error message for the failed turn and proceeds.
type ErrorKind string

const (
	ErrorKindNetwork            ErrorKind = "network"
	ErrorKindAuth               ErrorKind = "auth"
	ErrorKindRateLimit          ErrorKind = "rate_limit"
	ErrorKindEmptyResponse      ErrorKind = "empty_response"
	ErrorKindUnsupportedContent ErrorKind = "unsupported_content"
)

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from an error chain, defaulting to network.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrorKindNetwork
}

// Request is one agent turn's generation input. History is the turn's frozen
// context snapshot; SelfSlot identifies which messages are the calling
// agent's own prior output.
type Request struct {
	Model       string
	Directive   string
	Temperature float64
	SelfSlot    int
	History     []domain.Message
}

// ChunkFunc receives monotonically appended text before Call returns. The
// final return value equals the concatenation of all chunks.
type ChunkFunc func(delta string)

// Backend is the external text-generation service. Implementations must
// tolerate image-bearing message parts and must return a typed *Error on
// failure.
type Backend interface {
	Call(ctx context.Context, req Request, onChunk ChunkFunc) (string, error)
}
