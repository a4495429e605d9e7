package bridge

import (
	"errors"
	"fmt"

	"github.com/seclave/walletd/vault"
)

// Wire-level error codes. The codes are stable across versions; names and
// messages are human text only and carry no contract.
const (
	CodeInternalError = -30001
	CodeNoAccounts    = 4000
	CodeUserRejection = 4001
	CodeTimeout       = 4002
	CodeUnauthorized  = 4100
	CodeUnsupported   = 4200
)

// Error is the closed error taxonomy crossing the RPC boundary. Nothing
// else ever does; anything unrecognized is collapsed into InternalError
// before serialization.
type Error struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

var (
	// ErrInternal covers any failure outside the known categories. The
	// real cause is logged host-side and never crosses the boundary.
	ErrInternal = &Error{
		Code:    CodeInternalError,
		Name:    "Internal Error",
		Message: "Internal error",
	}

	// ErrNoAccounts is returned when an operation needs an account and
	// the wallet holds none, or the vault is not open.
	ErrNoAccounts = &Error{
		Code:    CodeNoAccounts,
		Name:    "No Accounts",
		Message: "No accounts found",
	}

	// ErrUserRejection is returned when the user declined the request on
	// the decision surface.
	ErrUserRejection = &Error{
		Code:    CodeUserRejection,
		Name:    "User Rejection",
		Message: "The user rejected the request",
	}

	// ErrTimeout is returned when the decision surface did not answer
	// within the allowed time.
	ErrTimeout = &Error{
		Code:    CodeTimeout,
		Name:    "Timeout",
		Message: "The prompt timed out without a response",
	}

	// ErrUnauthorized is returned when the origin holds no grant for the
	// requested operation.
	ErrUnauthorized = &Error{
		Code:    CodeUnauthorized,
		Name:    "Unauthorized",
		Message: "The requested method and url are not authorized",
	}

	// ErrUnsupported is returned for unknown methods and malformed
	// arguments.
	ErrUnsupported = &Error{
		Code:    CodeUnsupported,
		Name:    "Unsupported",
		Message: "The requested method is not supported",
	}
)

// mapError collapses an arbitrary error into the wire taxonomy. Wire errors
// pass through unchanged; known vault conditions map to their category;
// everything else becomes InternalError with the cause withheld.
func mapError(err error) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}

	switch {
	case errors.Is(err, vault.ErrLocked),
		errors.Is(err, vault.ErrNotInitialized),
		errors.Is(err, vault.ErrNoActiveAccount):

		return ErrNoAccounts
	}

	log.Errorf("Internal error crossing RPC boundary: %v", err)
	return ErrInternal
}
