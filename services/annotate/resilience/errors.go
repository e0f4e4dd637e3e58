// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience classifies remote-call failures and provides retry
// with exponential backoff and a per-dependency circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Failure kinds. ServiceError.Is matches exactly one of these.
var (
	// ErrServiceUnavailable means the dependency is down or failed internally. Retryable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrTimeout means the per-call deadline elapsed. Retryable.
	ErrTimeout = errors.New("timeout")

	// ErrRateLimited means the dependency refused for capacity. Retryable.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidArgument means the request itself is bad. Not retryable.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported means the dependency does not offer the operation. Not retryable.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrCircuitOpen is returned without calling the dependency while its breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// ServiceError is a classified failure from a named remote dependency.
type ServiceError struct {
	Service string
	Kind    error
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Service, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Service, e.Kind, e.Message)
}

func (e *ServiceError) Is(target error) bool { return target == e.Kind }
func (e *ServiceError) Unwrap() error        { return e.Err }

// GRPCStatus lets status.FromError recover the code of a classified error.
func (e *ServiceError) GRPCStatus() *status.Status {
	return status.New(CodeForKind(e.Kind), e.Error())
}

// NewServiceError builds a classified error.
func NewServiceError(service string, kind error, format string, args ...any) *ServiceError {
	return &ServiceError{Service: service, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error from a dependency into the taxonomy.
//
// Description:
//
//	Already classified errors pass through. Deadline errors become
//	ErrTimeout. gRPC status errors map by code. Caller cancellation is
//	returned unchanged so it is never retried. Anything else is treated
//	as ErrServiceUnavailable.
//
// Inputs:
//
//	service - Dependency name used in messages and metrics.
//	err - The raw error. nil returns nil.
//
// Outputs:
//
//	error - A *ServiceError, context.Canceled, or nil.
func Classify(service string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &ServiceError{Service: service, Kind: ErrTimeout, Err: err}
	case errors.Is(err, ErrCircuitOpen):
		return err
	}
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.Canceled {
			return context.Canceled
		}
		return &ServiceError{Service: service, Kind: KindForCode(st.Code()), Message: st.Message(), Err: err}
	}
	return &ServiceError{Service: service, Kind: ErrServiceUnavailable, Message: err.Error(), Err: err}
}

// KindForCode maps a gRPC status code to a failure kind.
func KindForCode(c codes.Code) error {
	switch c {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound:
		return ErrInvalidArgument
	case codes.ResourceExhausted:
		return ErrRateLimited
	case codes.DeadlineExceeded:
		return ErrTimeout
	case codes.Unimplemented:
		return ErrUnsupported
	default:
		return ErrServiceUnavailable
	}
}

// CodeForKind is the inverse of KindForCode.
func CodeForKind(kind error) codes.Code {
	switch {
	case errors.Is(kind, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(kind, ErrRateLimited):
		return codes.ResourceExhausted
	case errors.Is(kind, ErrTimeout):
		return codes.DeadlineExceeded
	case errors.Is(kind, ErrUnsupported):
		return codes.Unimplemented
	case errors.Is(kind, ErrServiceUnavailable), errors.Is(kind, ErrCircuitOpen):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// Kind returns the failure kind of err, or nil if err is unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrServiceUnavailable, ErrTimeout, ErrRateLimited, ErrInvalidArgument, ErrUnsupported, ErrCircuitOpen} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel returns a short label for metrics.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrServiceUnavailable:
		return "unavailable"
	case ErrTimeout:
		return "timeout"
	case ErrRateLimited:
		return "rate_limited"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrUnsupported:
		return "unsupported"
	case ErrCircuitOpen:
		return "circuit_open"
	}
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}
