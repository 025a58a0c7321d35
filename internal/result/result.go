// Package result carries the outcome of mutating operations as values
// instead of panics, so the API layer can render partial failures.
package result

import (
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind string

const (
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	ExternalIO Kind = "external_io"
	Integrity  Kind = "integrity_violation"
	Fatal      Kind = "fatal"
	Invalid    Kind = "invalid"
)

// Failure is a classified error raised by an operation
type Failure struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"operation"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Errorf builds a Failure with a formatted message
func Errorf(kind Kind, op, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Failure around an underlying error
func Wrap(kind Kind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf returns the Kind of err, or Fatal for unclassified errors
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return Fatal
}

// Result is either Ok(Value) or Err(Failure)
type Result[T any] struct {
	Value T
	Err   *Failure
}

// Ok wraps a successful value
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a failure
func Fail[T any](f *Failure) Result[T] {
	return Result[T]{Err: f}
}

// FromError wraps err as a failure, keeping its Kind when it already is one
func FromError[T any](op string, err error) Result[T] {
	var f *Failure
	if errors.As(err, &f) {
		return Result[T]{Err: f}
	}
	return Result[T]{Err: Wrap(Fatal, op, err)}
}

func (r Result[T]) IsOk() bool { return r.Err == nil }

// Unwrap returns the value and the failure as a plain error
func (r Result[T]) Unwrap() (T, error) {
	if r.Err != nil {
		return r.Value, r.Err
	}
	return r.Value, nil
}
