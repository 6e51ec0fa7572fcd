package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrExecutorFailure = errors.New("trade executor failure")
	ErrExecutorTimeout = errors.New("trade executor timeout")
)

type ErrorKind string

const (
	KindRejected    ErrorKind = "rejected"
	KindUnavailable ErrorKind = "unavailable"
	KindTimeout     ErrorKind = "timeout"
)

type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution %s", e.Kind)
	}
	return fmt.Sprintf("execution %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrExecutorTimeout:
		return e.Kind == KindTimeout
	case ErrExecutorFailure:
		return e.Kind != KindTimeout
	}
	return false
}

// Classify turns any error from an executor call into an *ExecutionError.
func Classify(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Kind: KindTimeout, Err: err}
	}
	return &ExecutionError{Kind: KindUnavailable, Err: err}
}
