// Package billingerror defines the failure taxonomy shared by the ledger,
// subscription and webhook layers. Whether a failure is retried is decided
// by its Kind, never by the call site.
package billingerror

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/inspectbill/pkg/db"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindDuplicateEvent      Kind = "duplicate_event"
	KindExternalProvider    Kind = "external_provider"
	KindDataIntegrity       Kind = "data_integrity"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
)

// Error carries a Kind, a stable machine code and an optional cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(": ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
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

// With attaches a context field such as org_id or batch_id.
func (e *Error) With(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[key] = value
	return e
}

func newError(kind Kind, code string, cause error, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// Validation wraps a domain sentinel such as ErrInvalidQuantity.
func Validation(cause error) *Error {
	code := ""
	if cause != nil {
		code = cause.Error()
	}
	return &Error{Kind: KindValidation, Code: code, Err: cause}
}

func Validationf(code, format string, args ...any) *Error {
	return newError(KindValidation, code, nil, format, args...)
}

func InsufficientCredits(requested, available int64) *Error {
	return newError(KindInsufficientCredits, "insufficient_credits", nil,
		"requested %d credits, %d available", requested, available)
}

func DuplicateEvent(eventID string) *Error {
	return newError(KindDuplicateEvent, "duplicate_event", nil, "event %s already processed", eventID)
}

func ExternalProvider(operation string, cause error) *Error {
	return newError(KindExternalProvider, operation, cause, "")
}

func DataIntegrity(invariant, format string, args ...any) *Error {
	return newError(KindDataIntegrity, invariant, nil, format, args...)
}

func NotFound(code string) *Error {
	return &Error{Kind: KindNotFound, Code: code}
}

func Conflict(code, format string, args ...any) *Error {
	return newError(KindConflict, code, nil, format, args...)
}

// KindOf returns the Kind of the first *Error in the chain, or "" if none.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is transient. Provider errors, aborted
// transactions and deadline expiry on a live context are transient.
// Everything else is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindExternalProvider:
		return true
	case KindValidation, KindInsufficientCredits, KindDuplicateEvent, KindDataIntegrity, KindNotFound, KindConflict:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return db.IsTransientTxErr(err)
}
