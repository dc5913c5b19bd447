package protocol

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Code is a machine-readable error classification shared by both
// processes.
type Code string

const (
	CodeModuleLoadFailed    Code = "MODULE_LOAD_FAILED"
	CodeInitFailed          Code = "INIT_FAILED"
	CodeLauncherNotFound    Code = "LAUNCHER_NOT_FOUND"
	CodeLauncherStartFailed Code = "LAUNCHER_START_FAILED"
	CodeLauncherStopFailed  Code = "LAUNCHER_STOP_FAILED"
	CodeNotInitialized      Code = "NOT_INITIALIZED"
	CodePromotionFailed     Code = "PROMOTION_FAILED"
	CodeUnpromotable        Code = "unpromotable"
	CodeUncaughtException   Code = "UNCAUGHT_EXCEPTION"
	CodeUnhandledRejection  Code = "UNHANDLED_REJECTION"
	CodeWorkerCrashed       Code = "WORKER_CRASHED"
	CodeWorkerUnavailable   Code = "WORKER_UNAVAILABLE"
)

// Error is the error payload carried by protocol messages.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an error payload without a stack.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError converts err into a payload tagged with code. Payloads already
// carrying a code keep it.
func WrapError(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: code, Message: err.Error()}
}

// PanicError converts a recovered value into a payload with the current
// goroutine stack.
func PanicError(code Code, recovered any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprint(recovered),
		Stack:   string(debug.Stack()),
	}
}

// CodeOf returns the protocol code carried by err, or "" when err is not a
// protocol error.
func CodeOf(err error) Code {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
