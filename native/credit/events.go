package credit

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"creditline/core/types"
)

const (
	EventTypeOpened    = "credit.opened"
	EventTypeDraw      = "credit.draw"
	EventTypeRepayment = "credit.repayment"
	EventTypeSuspend   = "credit.suspend"
	EventTypeClosed    = "credit.closed"
	EventTypeDefault   = "credit.default"
	EventTypeUpdated   = "credit.updated"
)

// NewOpenedEvent returns the canonical payload for a newly opened line.
func NewOpenedEvent(line *CreditLine) *types.Event { return newSnapshotEvent(EventTypeOpened, line) }

// NewSuspendEvent returns the lifecycle payload emitted when a line is
// suspended.
func NewSuspendEvent(line *CreditLine) *types.Event { return newSnapshotEvent(EventTypeSuspend, line) }

// NewClosedEvent returns the lifecycle payload emitted when a line is closed.
func NewClosedEvent(line *CreditLine) *types.Event { return newSnapshotEvent(EventTypeClosed, line) }

// NewDefaultEvent returns the lifecycle payload emitted when a line is marked
// defaulted.
func NewDefaultEvent(line *CreditLine) *types.Event { return newSnapshotEvent(EventTypeDefault, line) }

// NewUpdatedEvent returns the lifecycle payload emitted after a parameter
// update.
func NewUpdatedEvent(line *CreditLine) *types.Event { return newSnapshotEvent(EventTypeUpdated, line) }

// NewDrawEvent returns the payload for a successful draw. The event carries
// the delta and the resulting utilization rather than a full snapshot.
func NewDrawEvent(borrower [20]byte, amount, newUtilized *big.Int) *types.Event {
	return &types.Event{Type: EventTypeDraw, Attributes: map[string]string{
		"borrower":    hex.EncodeToString(borrower[:]),
		"amount":      formatAmount(amount),
		"newUtilized": formatAmount(newUtilized),
	}}
}

// NewRepaymentEvent returns the payload for a successful repayment. The
// applied amount may be lower than the submitted amount when the borrower
// overpays.
func NewRepaymentEvent(borrower [20]byte, applied, newUtilized *big.Int) *types.Event {
	return &types.Event{Type: EventTypeRepayment, Attributes: map[string]string{
		"borrower":      hex.EncodeToString(borrower[:]),
		"amountApplied": formatAmount(applied),
		"newUtilized":   formatAmount(newUtilized),
	}}
}

// newSnapshotEvent builds the full-snapshot payload shared by the lifecycle
// events. Utilization is deliberately not part of the snapshot; consumers
// track it through draw and repayment deltas.
func newSnapshotEvent(eventType string, line *CreditLine) *types.Event {
	attrs := make(map[string]string)
	if line == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeCreditLine(line)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["borrower"] = hex.EncodeToString(sanitized.Borrower[:])
	attrs["status"] = sanitized.Status.String()
	attrs["creditLimit"] = sanitized.CreditLimit.String()
	attrs["interestRateBps"] = strconv.FormatUint(uint64(sanitized.InterestRateBps), 10)
	attrs["riskScore"] = strconv.FormatUint(uint64(sanitized.RiskScore), 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
