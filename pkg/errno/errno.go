// Package errno defines the error code taxonomy returned across the
// Load Manager's operation boundary.
package errno

import (
	"errors"
	"fmt"
)

// Code is one of the fixed RPC-facing result codes.
type Code int

const (
	Success Code = iota
	InvalidVEName
	InvalidVEType
	InvalidVEConfig
	VENameAlreadyInUse
	VENotRegistered
	VEAlreadyActive
	VEOperationFailed
	NoSpace
	VENotActive
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case InvalidVEName:
		return "INVALID_VE_NAME"
	case InvalidVEType:
		return "INVALID_VE_TYPE"
	case InvalidVEConfig:
		return "INVALID_VE_CONFIG"
	case VENameAlreadyInUse:
		return "VE_NAME_ALREADY_IN_USE"
	case VENotRegistered:
		return "VE_NOT_REGISTERED"
	case VEAlreadyActive:
		return "VE_ALREADY_ACTIVE"
	case VEOperationFailed:
		return "VE_OPERATION_FAILED"
	case NoSpace:
		return "NO_SPACE"
	case VENotActive:
		return "VE_NOT_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Code with an optional underlying cause. Validation and
// state errors carry no cause; external errors wrap the I/O failure that
// produced them.
type Error struct {
	Code  Code
	VE    string
	cause error
}

func New(code Code, ve string) *Error {
	return &Error{Code: code, VE: ve}
}

func Wrap(code Code, ve string, cause error) *Error {
	return &Error{Code: code, VE: ve, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.VE != "" {
			return fmt.Sprintf("%s: %s: %v", e.VE, e.Code, e.cause)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	if e.VE != "" {
		return fmt.Sprintf("%s: %s", e.VE, e.Code)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the Code from err, defaulting to VEOperationFailed for
// any error that isn't one of ours.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return VEOperationFailed
}
