package credit

import "errors"

var (
	errNilState      = errors.New("credit engine: state not configured")
	errNilVault      = errors.New("credit engine: value transfer not configured")
	errNilAuthorizer = errors.New("credit engine: authorizer not configured")

	// ErrNotFound is returned when no credit line exists for the borrower.
	ErrNotFound = errors.New("credit engine: credit line not found")
	// ErrInvalidStatus is returned when the line's lifecycle state does not
	// permit the requested transition.
	ErrInvalidStatus = errors.New("credit engine: operation not permitted in current status")
	// ErrInvalidAmount is returned for non-positive amounts and negative limits.
	ErrInvalidAmount = errors.New("credit engine: amount must be positive")
	// ErrLimitExceeded is returned when a draw would breach the credit limit or
	// a parameter update would push the limit below current utilization.
	ErrLimitExceeded = errors.New("credit engine: credit limit exceeded")
	// ErrUnauthorized is returned when the caller fails the capability check
	// required by the operation.
	ErrUnauthorized = errors.New("credit engine: caller not authorized")
	// ErrOverflow is returned when checked arithmetic would leave the signed
	// 128-bit range.
	ErrOverflow = errors.New("credit engine: arithmetic overflows 128-bit range")
)

// Stable numeric codes surfaced to external callers alongside the errors.
const (
	CodeNotFound      uint32 = 1
	CodeInvalidStatus uint32 = 2
	CodeInvalidAmount uint32 = 3
	CodeLimitExceeded uint32 = 4
	CodeUnauthorized  uint32 = 5
	CodeOverflow      uint32 = 6
)

// ErrorCode resolves the stable numeric code for an engine error. The second
// return reports whether the error belongs to the engine taxonomy.
func ErrorCode(err error) (uint32, bool) {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrInvalidStatus):
		return CodeInvalidStatus, true
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount, true
	case errors.Is(err, ErrLimitExceeded):
		return CodeLimitExceeded, true
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized, true
	case errors.Is(err, ErrOverflow):
		return CodeOverflow, true
	default:
		return 0, false
	}
}

// ErrorLabel returns the snake_case identifier used in wire payloads for an
// engine error, or an empty string for errors outside the taxonomy.
func ErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	default:
		return ""
	}
}
