// Package errs classifies gateway failures so callers can decide whether to
// retry, drop, or abort without string matching.
//
// Only Config and StorageInit errors are fatal. Everything else is scoped to
// a single line, packet, or sink attempt.
package errs

import (
	"errors"
	"fmt"
)

type Class int

const (
	// Transport errors come from the serial link. The orchestrator waits and
	// reopens the device.
	Transport Class = iota + 1
	// Parse errors drop the offending line or block.
	Parse
	// Validation errors drop an incomplete packet with a warning.
	Validation
	// StorageInit errors abort startup.
	StorageInit
	// Publish errors are logged; other sinks are unaffected.
	Publish
	// Config errors abort startup.
	Config
	// Storage errors are a single failed write or read after startup.
	Storage
)

func (c Class) String() string {
	switch c {
	case Transport:
		return "transport"
	case Parse:
		return "parse"
	case Validation:
		return "validation"
	case StorageInit:
		return "storage_init"
	case Publish:
		return "publish"
	case Config:
		return "config"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this class must stop the process.
func (c Class) Fatal() bool {
	return c == StorageInit || c == Config
}

// Error wraps a cause with its class and the component/operation that
// produced it.
type Error struct {
	Class     Class
	Component string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Component, e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(class Class, component, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Component: component, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(class Class, component, op, format string, args ...any) error {
	return &Error{Class: class, Component: component, Op: op, Err: fmt.Errorf(format, args...)}
}

// ClassOf returns the class of the outermost classified error in the chain,
// or 0 when err is not classified.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return 0
}

func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

func IsTransport(err error) bool  { return Is(err, Transport) }
func IsParse(err error) bool      { return Is(err, Parse) }
func IsValidation(err error) bool { return Is(err, Validation) }
func IsPublish(err error) bool    { return Is(err, Publish) }
func IsStorage(err error) bool    { return Is(err, Storage) }

// IsFatal reports whether err should abort the process.
func IsFatal(err error) bool {
	return ClassOf(err).Fatal()
}
