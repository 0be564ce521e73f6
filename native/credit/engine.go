package credit

import (
	"math/big"

	"creditline/core/events"
	"creditline/core/types"
	nativecommon "creditline/native/common"
)

// ModuleName keys the pause registry entry governing every mutating credit
// operation.
const ModuleName = "credit"

// engineState is the narrow persistence surface the engine depends on. The
// hosting environment supplies an implementation scoped to one atomic
// transaction; the engine never caches records across calls.
type engineState interface {
	CreditLineGet(borrower [20]byte) (*CreditLine, bool, error)
	CreditLinePut(line *CreditLine) error
}

// Authorizer answers the admin capability check. Identity proofs themselves
// (signatures, tokens) are verified by the caller before an operation is
// invoked; the engine only consumes the resulting identity.
type Authorizer interface {
	IsAdmin(addr [20]byte) bool
}

// ValueTransfer moves reserve funds between accounts. Draw invokes it strictly
// after the updated utilization has been persisted, so a reentrant call
// triggered by the transfer observes the new utilization.
type ValueTransfer interface {
	Transfer(from, to [20]byte, asset string, amount *big.Int) error
}

type creditEvent struct {
	evt *types.Event
}

func (e creditEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e creditEvent) Event() *types.Event { return e.evt }

// Engine validates and applies credit line transitions. It is a pure state
// machine over the injected collaborators: persistence, the admin capability
// check, the reserve transfer and the event emitter.
type Engine struct {
	state   engineState
	auth    Authorizer
	vault   ValueTransfer
	emitter events.Emitter
	pauses  nativecommon.PauseView
	reserve [20]byte
	asset   string
}

// NewEngine constructs an engine bound to the reserve vault address and the
// reserve asset moved on draws. Events go to a no-op emitter until SetEmitter
// is called.
func NewEngine(reserve [20]byte, asset string) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		reserve: reserve,
		asset:   asset,
	}
}

// SetState wires the engine to the persistence layer for the current
// transaction.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAuthorizer wires the admin capability check.
func (e *Engine) SetAuthorizer(auth Authorizer) {
	if e == nil {
		return
	}
	e.auth = auth
}

// SetVault wires the value-transfer collaborator used by Draw.
func (e *Engine) SetVault(vault ValueTransfer) {
	if e == nil {
		return
	}
	e.vault = vault
}

// SetPauses wires the module pause view consulted by every mutating
// operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(creditEvent{evt: event})
}

func (e *Engine) requireAdmin(caller [20]byte) error {
	if e.auth == nil {
		return errNilAuthorizer
	}
	if !e.auth.IsAdmin(caller) {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadLine(borrower [20]byte) (*CreditLine, error) {
	line, ok, err := e.state.CreditLineGet(borrower)
	if err != nil {
		return nil, err
	}
	if !ok || line == nil {
		return nil, ErrNotFound
	}
	return line, nil
}

func (e *Engine) storeLine(line *CreditLine) error {
	sanitized, err := SanitizeCreditLine(line)
	if err != nil {
		return err
	}
	return e.state.CreditLinePut(sanitized)
}

// Open creates the credit line for a borrower with zero utilization and
// Active status. An existing line is only replaced when it was closed with
// nothing outstanding; re-opening a live line would silently discard its
// utilization, so it fails with ErrInvalidStatus instead.
func (e *Engine) Open(caller, borrower [20]byte, limit *big.Int, rateBps, riskScore uint32) (*CreditLine, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	if borrower == ([20]byte{}) {
		return nil, ErrInvalidAmount
	}
	sanitizedLimit, err := sanitizeLimit(limit)
	if err != nil {
		return nil, err
	}
	existing, ok, err := e.state.CreditLineGet(borrower)
	if err != nil {
		return nil, err
	}
	if ok && existing != nil {
		if existing.Status != StatusClosed || existing.UtilizedAmount == nil || existing.UtilizedAmount.Sign() != 0 {
			return nil, ErrInvalidStatus
		}
	}
	line := &CreditLine{
		Borrower:        borrower,
		CreditLimit:     sanitizedLimit,
		UtilizedAmount:  big.NewInt(0),
		InterestRateBps: rateBps,
		RiskScore:       riskScore,
		Status:          StatusActive,
	}
	if err := e.storeLine(line); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(line))
	return line.Clone(), nil
}

// Draw increases utilization and releases reserve funds to the borrower. The
// new utilization is persisted before the transfer executes, so a reentrant
// draw triggered by the transfer cannot spend the same headroom twice. A
// failed transfer surfaces its error and the enclosing transaction discards
// the persisted mutation.
func (e *Engine) Draw(caller, borrower [20]byte, amount *big.Int) (*CreditLine, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if e.vault == nil {
		return nil, errNilVault
	}
	if caller != borrower {
		return nil, ErrUnauthorized
	}
	amt, err := sanitizeAmount(amount)
	if err != nil {
		return nil, err
	}
	line, err := e.loadLine(borrower)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive {
		return nil, ErrInvalidStatus
	}
	newUtilized, err := checkedAdd(line.UtilizedAmount, amt)
	if err != nil {
		return nil, err
	}
	if line.CreditLimit == nil || newUtilized.Cmp(line.CreditLimit) > 0 {
		return nil, ErrLimitExceeded
	}
	line.UtilizedAmount = newUtilized
	if err := e.storeLine(line); err != nil {
		return nil, err
	}
	if err := e.vault.Transfer(e.reserve, borrower, e.asset, amt); err != nil {
		return nil, err
	}
	e.emit(NewDrawEvent(borrower, amt, newUtilized))
	return line.Clone(), nil
}

// Repay reduces utilization by min(amount, utilized). Overpayment caps the
// utilization at zero and the excess is discarded; no value moves. Suspended
// lines may still repay, terminal lines may not. The applied amount is
// returned alongside the updated record.
func (e *Engine) Repay(caller, borrower [20]byte, amount *big.Int) (*CreditLine, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, nil, err
	}
	if caller != borrower {
		return nil, nil, ErrUnauthorized
	}
	amt, err := sanitizeAmount(amount)
	if err != nil {
		return nil, nil, err
	}
	line, err := e.loadLine(borrower)
	if err != nil {
		return nil, nil, err
	}
	if line.Status != StatusActive && line.Status != StatusSuspended {
		return nil, nil, ErrInvalidStatus
	}
	utilized := line.UtilizedAmount
	if utilized == nil {
		utilized = big.NewInt(0)
	}
	applied := new(big.Int).Set(amt)
	if applied.Cmp(utilized) > 0 {
		applied = new(big.Int).Set(utilized)
	}
	line.UtilizedAmount = new(big.Int).Sub(utilized, applied)
	if err := e.storeLine(line); err != nil {
		return nil, nil, err
	}
	e.emit(NewRepaymentEvent(borrower, applied, line.UtilizedAmount))
	return line.Clone(), applied, nil
}

// Suspend halts further draws on an active line. Repayments remain possible
// while suspended.
func (e *Engine) Suspend(caller, borrower [20]byte) (*CreditLine, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	line, err := e.loadLine(borrower)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive {
		return nil, ErrInvalidStatus
	}
	line.Status = StatusSuspended
	if err := e.storeLine(line); err != nil {
		return nil, err
	}
	e.emit(NewSuspendEvent(line))
	return line.Clone(), nil
}

// Close terminates a line. Admins may close regardless of utilization;
// borrowers may close their own line only once nothing is outstanding.
func (e *Engine) Close(caller, borrower [20]byte) (*CreditLine, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if e.auth == nil {
		return nil, errNilAuthorizer
	}
	admin := e.auth.IsAdmin(caller)
	if !admin && caller != borrower {
		return nil, ErrUnauthorized
	}
	line, err := e.loadLine(borrower)
	if err != nil {
		return nil, err
	}
	if !admin && line.UtilizedAmount != nil && line.UtilizedAmount.Sign() != 0 {
		return nil, ErrUnauthorized
	}
	if line.Status.Terminal() {
		return nil, ErrInvalidStatus
	}
	line.Status = StatusClosed
	if err := e.storeLine(line); err != nil {
		return nil, err
	}
	e.emit(NewClosedEvent(line))
	return line.Clone(), nil
}

// MarkDefaulted flags a line as defaulted. The record keeps its utilization
// for downstream collection; the status change only blocks further activity.
func (e *Engine) MarkDefaulted(caller, borrower [20]byte) (*CreditLine, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	line, err := e.loadLine(borrower)
	if err != nil {
		return nil, err
	}
	if line.Status.Terminal() {
		return nil, ErrInvalidStatus
	}
	line.Status = StatusDefaulted
	if err := e.storeLine(line); err != nil {
		return nil, err
	}
	e.emit(NewDefaultEvent(line))
	return line.Clone(), nil
}

// UpdateParameters overwrites the limit, rate and risk score. Utilization and
// status are untouched. Lowering the limit below current utilization would
// break the core invariant and fails with ErrLimitExceeded.
func (e *Engine) UpdateParameters(caller, borrower [20]byte, limit *big.Int, rateBps, riskScore uint32) (*CreditLine, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if err := e.requireAdmin(caller); err != nil {
		return nil, err
	}
	sanitizedLimit, err := sanitizeLimit(limit)
	if err != nil {
		return nil, err
	}
	line, err := e.loadLine(borrower)
	if err != nil {
		return nil, err
	}
	if line.UtilizedAmount != nil && sanitizedLimit.Cmp(line.UtilizedAmount) < 0 {
		return nil, ErrLimitExceeded
	}
	line.CreditLimit = sanitizedLimit
	line.InterestRateBps = rateBps
	line.RiskScore = riskScore
	if err := e.storeLine(line); err != nil {
		return nil, err
	}
	e.emit(NewUpdatedEvent(line))
	return line.Clone(), nil
}

// Get returns a clone of the borrower's record, or false when none exists.
// Reads stay available while the module is paused.
func (e *Engine) Get(borrower [20]byte) (*CreditLine, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	line, ok, err := e.state.CreditLineGet(borrower)
	if err != nil {
		return nil, false, err
	}
	if !ok || line == nil {
		return nil, false, nil
	}
	return line.Clone(), true, nil
}
