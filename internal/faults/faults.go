package faults

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindUnknown           Kind = ""
	KindInput             Kind = "input"
	KindSecurityBlock     Kind = "security_block"
	KindRateLimited       Kind = "rate_limited"
	KindExternalService   Kind = "external_service"
	KindExecution         Kind = "execution"
	KindMappingResolution Kind = "mapping_resolution"
)

// Error carries a taxonomy kind alongside the wrapped cause.
type Error struct {
	Kind       Kind
	Op         string
	Rule       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Rule != "" {
		msg += " (" + e.Rule + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Input(op string, err error) error {
	return &Error{Kind: KindInput, Op: op, Err: err}
}

func Inputf(op, format string, args ...any) error {
	return &Error{Kind: KindInput, Op: op, Err: fmt.Errorf(format, args...)}
}

func SecurityBlock(op, rule string, err error) error {
	return &Error{Kind: KindSecurityBlock, Op: op, Rule: rule, Err: err}
}

func RateLimited(op string, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: errors.New("request rate exceeded")}
}

func External(op string, err error) error {
	return &Error{Kind: KindExternalService, Op: op, Err: err}
}

func Execution(op string, err error) error {
	return &Error{Kind: KindExecution, Op: op, Err: err}
}

func MappingResolution(op string, err error) error {
	return &Error{Kind: KindMappingResolution, Op: op, Err: err}
}

func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

func RetryAfterOf(err error) time.Duration {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.RetryAfter
	}
	return 0
}

// Retryable reports whether the repair loop may retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExternalService, KindExecution:
		return true
	default:
		return false
	}
}
