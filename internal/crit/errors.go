// Package crit defines the error taxonomy shared by every layer of the
// review engine. Errors carry a machine-readable code plus the fields a
// caller needs to render an actionable message or decide on recovery.
package crit

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an engine error.
type Code string

const (
	CodeNotInitialized  Code = "not_initialized"
	CodeVersionMismatch Code = "version_mismatch"
	CodeNotFound        Code = "not_found"
	CodeInvalidInput    Code = "invalid_input"
	CodeInvalidState    Code = "invalid_state"
	CodeBlockedByVote   Code = "blocked_by_vote"
	CodeConflict        Code = "conflict"
	CodeCorruptLog      Code = "corrupt_log"
	CodeLogRegressed    Code = "log_regressed"
	CodeScm             Code = "scm"
	CodeStorage         Code = "storage"
)

// Error is the single error type returned by the engine. Only the fields
// relevant to its Code are populated.
type Error struct {
	Code Code

	// NotFound / InvalidState
	Entity string
	ID     string
	State  string

	// InvalidInput
	Field string

	// CorruptLog / LogRegressed
	ReviewID string
	Line     int
	PriorLen int64
	CurLen   int64

	// VersionMismatch
	Found string

	// BlockedByVote
	Blockers []string

	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeNotInitialized:
		return "not initialized: no .crit/version found (run init first)"
	case CodeVersionMismatch:
		return fmt.Sprintf("unsupported .crit version %q (supported: 2; run migrate)", e.Found)
	case CodeNotFound:
		return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
	case CodeInvalidInput:
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	case CodeInvalidState:
		return fmt.Sprintf("%s %s is %s: %s", e.Entity, e.ID, e.State, e.Message)
	case CodeBlockedByVote:
		return fmt.Sprintf("blocked by outstanding votes from %s", strings.Join(e.Blockers, ", "))
	case CodeConflict:
		return fmt.Sprintf("conflict: %s", e.Message)
	case CodeCorruptLog:
		return fmt.Sprintf("corrupt event log for %s at line %d: %s", e.ReviewID, e.Line, e.Message)
	case CodeLogRegressed:
		return fmt.Sprintf("event log for %s regressed from %d to %d bytes (restored by a working-copy operation?)", e.ReviewID, e.PriorLen, e.CurLen)
	case CodeScm:
		if e.Err != nil {
			return fmt.Sprintf("scm: %s: %v", e.Message, e.Err)
		}
		return fmt.Sprintf("scm: %s", e.Message)
	case CodeStorage:
		if e.Err != nil {
			return fmt.Sprintf("storage: %s: %v", e.Message, e.Err)
		}
		return fmt.Sprintf("storage: %s", e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on bare code sentinels, e.g.
// errors.Is(err, &Error{Code: CodeNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func NotInitialized() *Error {
	return &Error{Code: CodeNotInitialized}
}

func VersionMismatch(found string) *Error {
	return &Error{Code: CodeVersionMismatch, Found: found}
}

func NotFound(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Entity: entity, ID: id}
}

func InvalidInput(field, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Field: field, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(entity, id, state, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Entity: entity, ID: id, State: state, Message: fmt.Sprintf(format, args...)}
}

func BlockedByVote(blockers []string) *Error {
	return &Error{Code: CodeBlockedByVote, Blockers: blockers}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func CorruptLog(reviewID string, line int, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: CodeCorruptLog, ReviewID: reviewID, Line: line, Message: msg, Err: err}
}

func LogRegressed(reviewID string, priorLen, curLen int64) *Error {
	return &Error{Code: CodeLogRegressed, ReviewID: reviewID, PriorLen: priorLen, CurLen: curLen}
}

func Scm(err error, format string, args ...any) *Error {
	return &Error{Code: CodeScm, Message: fmt.Sprintf(format, args...), Err: err}
}

func Storage(err error, format string, args ...any) *Error {
	return &Error{Code: CodeStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the engine code from err, unwrapping as needed.
// Returns "" when err is nil or carries no engine code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
