package credit

import (
	"fmt"
	"math/big"
	"strings"
)

// CreditStatus represents the lifecycle states of a revolving credit line.
type CreditStatus uint8

const (
	StatusActive CreditStatus = iota
	StatusSuspended
	StatusDefaulted
	StatusClosed
)

// Valid reports whether the status value is within the supported range.
func (s CreditStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDefaulted, StatusClosed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further lifecycle
// transitions. Closed and Defaulted lines are markers, not tombstones: the
// record stays in storage but absorbs every subsequent transition attempt.
func (s CreditStatus) Terminal() bool {
	return s == StatusClosed || s == StatusDefaulted
}

// String returns the canonical lowercase name used in event payloads.
func (s CreditStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusDefaulted:
		return "defaulted"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// maxInt128 is the largest value representable by the record arithmetic.
// Limits and utilization are signed 128-bit quantities; the engine keeps them
// non-negative, so [0, 2^127-1] is the full stored range.
var maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// CreditLine is the single record tracked per borrower. UtilizedAmount never
// exceeds CreditLimit and neither field is ever negative; every transition
// revalidates the invariant before persisting.
type CreditLine struct {
	Borrower        [20]byte
	CreditLimit     *big.Int
	UtilizedAmount  *big.Int
	InterestRateBps uint32
	RiskScore       uint32
	Status          CreditStatus
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (c *CreditLine) Clone() *CreditLine {
	if c == nil {
		return nil
	}
	clone := *c
	if c.CreditLimit != nil {
		clone.CreditLimit = new(big.Int).Set(c.CreditLimit)
	} else {
		clone.CreditLimit = big.NewInt(0)
	}
	if c.UtilizedAmount != nil {
		clone.UtilizedAmount = new(big.Int).Set(c.UtilizedAmount)
	} else {
		clone.UtilizedAmount = big.NewInt(0)
	}
	return &clone
}

// Available returns the remaining headroom (limit minus utilization).
func (c *CreditLine) Available() *big.Int {
	if c == nil || c.CreditLimit == nil {
		return big.NewInt(0)
	}
	utilized := c.UtilizedAmount
	if utilized == nil {
		utilized = big.NewInt(0)
	}
	headroom := new(big.Int).Sub(c.CreditLimit, utilized)
	if headroom.Sign() < 0 {
		return big.NewInt(0)
	}
	return headroom
}

// NormalizeAsset canonicalises a reserve asset symbol to uppercase and
// validates the character set.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("credit: asset symbol required")
	}
	if len(trimmed) > 12 {
		return "", fmt.Errorf("credit: asset symbol too long: %s", trimmed)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("credit: invalid asset symbol: %s", symbol)
		}
	}
	return trimmed, nil
}

// SanitizeCreditLine validates the supplied record and returns a cloned
// instance with non-nil amount fields. The original value is not mutated.
func SanitizeCreditLine(c *CreditLine) (*CreditLine, error) {
	if c == nil {
		return nil, fmt.Errorf("credit: nil credit line")
	}
	clone := c.Clone()
	if clone.Borrower == ([20]byte{}) {
		return nil, fmt.Errorf("credit: borrower required")
	}
	if clone.CreditLimit.Sign() < 0 {
		return nil, fmt.Errorf("credit: credit limit must be non-negative")
	}
	if clone.CreditLimit.Cmp(maxInt128) > 0 {
		return nil, fmt.Errorf("credit: credit limit exceeds 128-bit range")
	}
	if clone.UtilizedAmount.Sign() < 0 {
		return nil, fmt.Errorf("credit: utilized amount must be non-negative")
	}
	if clone.UtilizedAmount.Cmp(clone.CreditLimit) > 0 {
		return nil, fmt.Errorf("credit: utilized amount exceeds credit limit")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("credit: invalid status: %d", clone.Status)
	}
	return clone, nil
}

// sanitizeAmount validates a draw or repayment amount and returns a defensive
// copy. Amounts must be strictly positive and representable in 128 bits.
func sanitizeAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(maxInt128) > 0 {
		return nil, ErrOverflow
	}
	return new(big.Int).Set(amount), nil
}

// sanitizeLimit validates a credit limit and returns a defensive copy. A nil
// limit is treated as zero; negative limits are rejected.
func sanitizeLimit(limit *big.Int) (*big.Int, error) {
	if limit == nil {
		return big.NewInt(0), nil
	}
	if limit.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if limit.Cmp(maxInt128) > 0 {
		return nil, ErrOverflow
	}
	return new(big.Int).Set(limit), nil
}

// checkedAdd sums two non-negative quantities, failing with ErrOverflow when
// the result would leave the representable range. Nothing ever wraps.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(maxInt128) > 0 {
		return nil, ErrOverflow
	}
	return sum, nil
}
