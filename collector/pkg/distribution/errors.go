package distribution

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoSigningKey is returned by a KeyProvider when the creator has no usable signing key.
var ErrNoSigningKey = errors.New("creator signing key not found")

// ConfigurationError aborts a single token: the engine cannot act on its behalf.
type ConfigurationError struct {
	UserID string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for creator %s: %v", e.UserID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// UpstreamError is a non-idempotent failure of the collection call; it aborts the token.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ErrorClass is the structured classification of a chain or trading API rejection.
type ErrorClass string

const (
	ClassOther             ErrorClass = "other"
	ClassAlreadyProcessed  ErrorClass = "already_processed"
	ClassInsufficientFunds ErrorClass = "insufficient_funds"
)

// ClassifiedError carries the class assigned by the collaborator that produced err.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with class. A nil err stays nil.
func Classified(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf returns the class attached anywhere in err's chain, or ClassOther.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassOther
}

// ClassifyMessage is the last-resort classification from human-readable error text, used only
// when the collaborator exposes no structured error code.
func ClassifyMessage(msg string) ErrorClass {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "already been processed"),
		strings.Contains(m, "already processed"),
		strings.Contains(m, "alreadyprocessed"):
		return ClassAlreadyProcessed
	case strings.Contains(m, "insufficient funds"),
		strings.Contains(m, "insufficient lamports"),
		strings.Contains(m, "insufficientfunds"):
		return ClassInsufficientFunds
	}
	return ClassOther
}
