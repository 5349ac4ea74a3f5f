package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the control plane and the gate.
var (
	ErrSandboxProvisionTimeout = errors.New("sandbox provision timeout")
	ErrAuthRequired            = errors.New("auth required")
	ErrApprovalDenied          = errors.New("approval denied")
	ErrApprovalUnreachable     = errors.New("approval unreachable")
	ErrForbiddenIntegration    = errors.New("forbidden integration")
	ErrOrphanRunTimeout        = errors.New("orphan run timeout")
	ErrPreparingTimeout        = errors.New("timed out while preparing agent")

	// ErrNotFound and ErrBadRequest are returned by the trigger surface.
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")

	// ErrGenerationInFlight is returned when a conversation already has a
	// running generation.
	ErrGenerationInFlight = errors.New("generation already in flight")
)

// IntegrationError carries the integration that caused a gate rejection.
// It wraps one of the gate sentinels so errors.Is keeps working.
type IntegrationError struct {
	Kind        error
	Integration string
	Operation   string
	Detail      string
}

func (e *IntegrationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind.Error(), e.Integration)
	if e.Operation != "" {
		msg += " " + e.Operation
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *IntegrationError) Unwrap() error {
	return e.Kind
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// BadRequestf returns an error wrapping ErrBadRequest.
func BadRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
