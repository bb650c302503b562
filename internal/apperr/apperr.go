// Package apperr defines the error taxonomy shared by every recall component.
//
// Callers branch on the Kind, never on message text. All predicates use
// errors.As, so an *Error keeps its kind through fmt.Errorf("...: %w") wrapping.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an Error.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindStoreUnavailable Kind = "store_unavailable"
	KindConsolidation    Kind = "consolidation"
	KindNotFound         Kind = "not_found"
)

// Error is the custom error type for the engine.
type Error struct {
	Kind    Kind
	Op      string   // operation that failed, e.g. "cache.put"
	Message string
	IDs     []string // affected message / cluster ids, when known
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.IDs, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input. Nothing has been written.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity the caller demanded to exist.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a backend failure (graph or cache unreachable).
func Unavailable(op string, err error) error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Message: "backend unavailable", Err: err}
}

// Consolidation reports a rolled-back multi-node write.
func Consolidation(op string, ids []string, err error) error {
	return &Error{Kind: KindConsolidation, Op: op, Message: "transaction rolled back", IDs: ids, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsUnavailable(err error) bool   { return KindOf(err) == KindStoreUnavailable }
func IsConsolidation(err error) bool { return KindOf(err) == KindConsolidation }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
