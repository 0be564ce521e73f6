package common

import (
	"errors"
	"math"
	"math/big"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaValueExceeded    = errors.New("quota value cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the usage counters for one principal within an epoch.
type QuotaNow struct {
	ReqCount  uint32
	ValueUsed *big.Int
	EpochID   uint64
}

// Clone returns a deep copy of the counters.
func (q QuotaNow) Clone() QuotaNow {
	clone := q
	if q.ValueUsed != nil {
		clone.ValueUsed = new(big.Int).Set(q.ValueUsed)
	} else {
		clone.ValueUsed = big.NewInt(0)
	}
	return clone
}

// Quota defines the per-principal limits enforced for module operations
// within one epoch. Zero fields disable the corresponding check.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxValuePerEpoch    *big.Int
	EpochSeconds        uint32
}

// Enabled reports whether any quota dimension is configured. A quota without
// a positive epoch length is disabled: counters could never roll over.
func (q Quota) Enabled() bool {
	if q.EpochSeconds == 0 {
		return false
	}
	return q.MaxRequestsPerEpoch > 0 || (q.MaxValuePerEpoch != nil && q.MaxValuePerEpoch.Sign() > 0)
}

// CheckQuota verifies whether one additional request moving addValue fits the
// configured quota. Counters reset when the epoch rolls over. The returned
// QuotaNow reflects the updated counters when the quota is not exceeded; on
// denial the previous counters are returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addValue *big.Int) (QuotaNow, error) {
	next := prev.Clone()
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch, ValueUsed: big.NewInt(0)}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue != nil && addValue.Sign() > 0 {
		next.ValueUsed = new(big.Int).Add(next.ValueUsed, addValue)
	}
	if q.MaxValuePerEpoch != nil && q.MaxValuePerEpoch.Sign() > 0 && next.ValueUsed.Cmp(q.MaxValuePerEpoch) > 0 {
		return prev, ErrQuotaValueExceeded
	}

	return next, nil
}
