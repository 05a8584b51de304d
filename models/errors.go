package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers decide between retry, skip and abort.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransient covers RPC timeouts and dropped connections; retried with backoff.
	KindTransient
	// KindData covers malformed payloads; logged and skipped.
	KindData
	// KindConfiguration is fatal at startup.
	KindConfiguration
	// KindExecution aborts a treasury cycle.
	KindExecution
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	case KindConfiguration:
		return "configuration"
	case KindExecution:
		return "execution"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Data(op string, err error) error {
	return &Error{Kind: KindData, Op: op, Err: err}
}

func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

func Execution(op string, err error) error {
	return &Error{Kind: KindExecution, Op: op, Err: err}
}
