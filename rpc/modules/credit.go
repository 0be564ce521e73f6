package modules

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"creditline/core"
	"creditline/crypto"
	nativecommon "creditline/native/common"
	"creditline/native/credit"
)

// CreditModule bridges JSON-RPC calls onto the credit ledger. Parameter
// decoding, address parsing and error translation live here so the transport
// stays a thin dispatcher.
type CreditModule struct {
	ledger *core.Ledger
}

// NewCreditModule constructs the RPC surface over a ledger instance.
func NewCreditModule(ledger *core.Ledger) *CreditModule {
	return &CreditModule{ledger: ledger}
}

var errCreditModuleOffline = &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: "credit module not initialised"}

type openParams struct {
	Caller          string `json:"caller"`
	Borrower        string `json:"borrower"`
	CreditLimit     string `json:"creditLimit"`
	InterestRateBps uint32 `json:"interestRateBps"`
	RiskScore       uint32 `json:"riskScore"`
}

type adminLineParams struct {
	Caller   string `json:"caller"`
	Borrower string `json:"borrower"`
}

type instructionParams struct {
	Instruction core.CreditInstruction `json:"instruction"`
	Signature   string                 `json:"signature"`
}

type lineQueryParams struct {
	Borrower string `json:"borrower"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type creditEventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Cursor string `json:"cursor,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

type setPauseParams struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

// CreditLineResult is the wire representation of one credit line.
type CreditLineResult struct {
	Borrower        string `json:"borrower"`
	Status          string `json:"status"`
	CreditLimit     string `json:"creditLimit"`
	UtilizedAmount  string `json:"utilizedAmount"`
	AvailableCredit string `json:"availableCredit"`
	InterestRateBps uint32 `json:"interestRateBps"`
	RiskScore       uint32 `json:"riskScore"`
}

// RepayResult reports the applied amount alongside the updated line. The
// applied amount is lower than the submitted amount when the borrower
// overpays.
type RepayResult struct {
	Line          *CreditLineResult `json:"line"`
	AppliedAmount string            `json:"appliedAmount"`
}

// NonceResult reports the highest consumed instruction nonce for a borrower.
type NonceResult struct {
	Borrower string `json:"borrower"`
	Nonce    uint64 `json:"nonce"`
}

// BalanceResult reports the reserve-asset balance held by an address.
type BalanceResult struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// CreditEventResult is one committed event from the retained stream.
type CreditEventResult struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// PauseResult echoes the module pause flag after a toggle.
type PauseResult struct {
	Paused bool `json:"paused"`
}

// LedgerStatusResult summarises the ledger's public parameters.
type LedgerStatusResult struct {
	ChainID        uint64 `json:"chainId"`
	ReserveAsset   string `json:"reserveAsset"`
	ReserveAddress string `json:"reserveAddress"`
	ReserveBalance string `json:"reserveBalance"`
	Paused         bool   `json:"paused"`
}

// errorData carries the stable engine code and label alongside the message so
// clients can branch without matching error strings.
type errorData struct {
	Code  uint32 `json:"code"`
	Label string `json:"label"`
}

// Open provisions a credit line for a borrower. The caller must hold the
// admin role on the ledger.
func (m *CreditModule) Open(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params openParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	caller, modErr := decodeAddressParam("caller", params.Caller)
	if modErr != nil {
		return nil, modErr
	}
	borrower, modErr := decodeAddressParam("borrower", params.Borrower)
	if modErr != nil {
		return nil, modErr
	}
	limit, modErr := parseLimitParam("creditLimit", params.CreditLimit)
	if modErr != nil {
		return nil, modErr
	}
	line, err := m.ledger.Open(ctx, [20]byte(caller), [20]byte(borrower), limit, params.InterestRateBps, params.RiskScore)
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return formatCreditLine(line), nil
}

// UpdateParameters overwrites the limit, rate and risk score of an existing
// line. The caller must hold the admin role.
func (m *CreditModule) UpdateParameters(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params openParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	caller, modErr := decodeAddressParam("caller", params.Caller)
	if modErr != nil {
		return nil, modErr
	}
	borrower, modErr := decodeAddressParam("borrower", params.Borrower)
	if modErr != nil {
		return nil, modErr
	}
	limit, modErr := parseLimitParam("creditLimit", params.CreditLimit)
	if modErr != nil {
		return nil, modErr
	}
	line, err := m.ledger.UpdateParameters(ctx, [20]byte(caller), [20]byte(borrower), limit, params.InterestRateBps, params.RiskScore)
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return formatCreditLine(line), nil
}

// Suspend freezes new draws on an active line. The caller must hold the admin
// role.
func (m *CreditModule) Suspend(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	return m.adminTransition(ctx, raw, m.ledgerSuspend)
}

// Close retires a line on behalf of an operator. Borrower-initiated closes go
// through CloseWithSig instead.
func (m *CreditModule) Close(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	return m.adminTransition(ctx, raw, m.ledgerClose)
}

// MarkDefaulted flags a line as defaulted, keeping its utilization on record
// for collections. The caller must hold the admin role.
func (m *CreditModule) MarkDefaulted(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	return m.adminTransition(ctx, raw, m.ledgerDefault)
}

func (m *CreditModule) ledgerSuspend(ctx context.Context, caller, borrower [20]byte) (*credit.CreditLine, error) {
	return m.ledger.Suspend(ctx, caller, borrower)
}

func (m *CreditModule) ledgerClose(ctx context.Context, caller, borrower [20]byte) (*credit.CreditLine, error) {
	return m.ledger.Close(ctx, caller, borrower)
}

func (m *CreditModule) ledgerDefault(ctx context.Context, caller, borrower [20]byte) (*credit.CreditLine, error) {
	return m.ledger.MarkDefaulted(ctx, caller, borrower)
}

func (m *CreditModule) adminTransition(ctx context.Context, raw json.RawMessage, apply func(context.Context, [20]byte, [20]byte) (*credit.CreditLine, error)) (*CreditLineResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params adminLineParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	caller, modErr := decodeAddressParam("caller", params.Caller)
	if modErr != nil {
		return nil, modErr
	}
	borrower, modErr := decodeAddressParam("borrower", params.Borrower)
	if modErr != nil {
		return nil, modErr
	}
	line, err := apply(ctx, [20]byte(caller), [20]byte(borrower))
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return formatCreditLine(line), nil
}

// Draw verifies a signed draw instruction and disburses reserve funds to the
// borrower.
func (m *CreditModule) Draw(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	ins, sig, modErr := decodeInstructionParams(raw)
	if modErr != nil {
		return nil, modErr
	}
	line, err := m.ledger.Draw(ctx, ins, sig)
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return formatCreditLine(line), nil
}

// Repay verifies a signed repay instruction and reduces utilization by the
// applied amount.
func (m *CreditModule) Repay(ctx context.Context, raw json.RawMessage) (*RepayResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	ins, sig, modErr := decodeInstructionParams(raw)
	if modErr != nil {
		return nil, modErr
	}
	line, applied, err := m.ledger.Repay(ctx, ins, sig)
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	amount := "0"
	if applied != nil {
		amount = applied.String()
	}
	return &RepayResult{Line: formatCreditLine(line), AppliedAmount: amount}, nil
}

// CloseWithSig verifies a signed close instruction. Borrowers may only close
// their own line once utilization is zero.
func (m *CreditModule) CloseWithSig(ctx context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	ins, sig, modErr := decodeInstructionParams(raw)
	if modErr != nil {
		return nil, modErr
	}
	line, err := m.ledger.CloseInstruction(ctx, ins, sig)
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return formatCreditLine(line), nil
}

// Get returns the current snapshot of a borrower's credit line.
func (m *CreditModule) Get(_ context.Context, raw json.RawMessage) (*CreditLineResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params lineQueryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	borrower, modErr := decodeAddressParam("borrower", params.Borrower)
	if modErr != nil {
		return nil, modErr
	}
	line, ok, err := m.ledger.Get([20]byte(borrower))
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	if !ok {
		return nil, wrapLedgerError(credit.ErrNotFound)
	}
	return formatCreditLine(line), nil
}

// Nonce reports the replay watermark for a borrower so clients can build the
// next instruction without tracking state locally.
func (m *CreditModule) Nonce(_ context.Context, raw json.RawMessage) (*NonceResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params lineQueryParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	borrower, modErr := decodeAddressParam("borrower", params.Borrower)
	if modErr != nil {
		return nil, modErr
	}
	nonce, err := m.ledger.Nonce([20]byte(borrower))
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return &NonceResult{Borrower: borrower.String(), Nonce: nonce}, nil
}

// Balance reports the reserve-asset balance held by an address.
func (m *CreditModule) Balance(_ context.Context, raw json.RawMessage) (*BalanceResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params balanceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	addr, modErr := decodeAddressParam("address", params.Address)
	if modErr != nil {
		return nil, modErr
	}
	balance, err := m.ledger.Balance([20]byte(addr))
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return &BalanceResult{Address: addr.String(), Asset: m.ledger.ReserveAsset(), Balance: balance.String()}, nil
}

// ListEvents pages through committed credit events. The optional prefix
// narrows results to one event namespace, the cursor resumes after a
// previously seen entry.
func (m *CreditModule) ListEvents(_ context.Context, raw json.RawMessage) ([]CreditEventResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params creditEventsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, invalidParams("invalid parameter object", err.Error())
		}
	}
	prefix := "credit."
	if trimmed := strings.TrimSpace(params.Prefix); trimmed != "" {
		prefix = trimmed
	}
	limit := 0
	if params.Limit != nil {
		if *params.Limit <= 0 {
			return []CreditEventResult{}, nil
		}
		limit = *params.Limit
	}
	entries, err := m.ledger.ListEvents(prefix, strings.TrimSpace(params.Cursor), limit)
	if err != nil {
		return nil, invalidParams(err.Error(), nil)
	}
	results := make([]CreditEventResult, 0, len(entries))
	for _, entry := range entries {
		result := CreditEventResult{Sequence: entry.Sequence, Cursor: entry.Cursor}
		if entry.Event != nil {
			result.Type = entry.Event.Type
			attrs := make(map[string]string, len(entry.Event.Attributes))
			for k, v := range entry.Event.Attributes {
				attrs[k] = v
			}
			result.Attributes = attrs
		}
		results = append(results, result)
	}
	return results, nil
}

// SetPause toggles the module pause flag. The caller must hold the admin
// role; unpausing works while paused.
func (m *CreditModule) SetPause(ctx context.Context, raw json.RawMessage) (*PauseResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	var params setPauseParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, invalidParams("invalid parameter object", err.Error())
	}
	caller, modErr := decodeAddressParam("caller", params.Caller)
	if modErr != nil {
		return nil, modErr
	}
	if err := m.ledger.SetPaused(ctx, [20]byte(caller), params.Paused); err != nil {
		return nil, wrapLedgerError(err)
	}
	return &PauseResult{Paused: m.ledger.Paused()}, nil
}

// Status summarises the ledger parameters and the current reserve balance.
func (m *CreditModule) Status(_ context.Context) (*LedgerStatusResult, *ModuleError) {
	if m == nil || m.ledger == nil {
		return nil, errCreditModuleOffline
	}
	reserve := m.ledger.ReserveAddress()
	balance, err := m.ledger.Balance([20]byte(reserve))
	if err != nil {
		return nil, wrapLedgerError(err)
	}
	return &LedgerStatusResult{
		ChainID:        m.ledger.ChainID(),
		ReserveAsset:   m.ledger.ReserveAsset(),
		ReserveAddress: reserve.String(),
		ReserveBalance: balance.String(),
		Paused:         m.ledger.Paused(),
	}, nil
}

func invalidParams(message string, data interface{}) *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: message, Data: data}
}

func decodeAddressParam(field, value string) (crypto.Address, *ModuleError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, invalidParams(field+" is required", nil)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, invalidParams("invalid "+field+" address", err.Error())
	}
	return addr, nil
}

func parseLimitParam(field, value string) (*big.Int, *ModuleError) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, invalidParams(field+" is required", nil)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, invalidParams(field+" must be a base-10 integer", value)
	}
	if amount.Sign() < 0 {
		return nil, invalidParams(field+" must not be negative", nil)
	}
	return amount, nil
}

func decodeInstructionParams(raw json.RawMessage) (core.CreditInstruction, []byte, *ModuleError) {
	var params instructionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return core.CreditInstruction{}, nil, invalidParams("invalid parameter object", err.Error())
	}
	sig, err := decodeSignature(params.Signature)
	if err != nil {
		return core.CreditInstruction{}, nil, invalidParams(err.Error(), nil)
	}
	return params.Instruction, sig, nil
}

func decodeSignature(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if cleaned == "" {
		return nil, fmt.Errorf("signature is required")
	}
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("signature must be hex encoded")
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes")
	}
	return sig, nil
}

func formatCreditLine(line *credit.CreditLine) *CreditLineResult {
	if line == nil {
		return nil
	}
	limit := "0"
	if line.CreditLimit != nil {
		limit = line.CreditLimit.String()
	}
	utilized := "0"
	if line.UtilizedAmount != nil {
		utilized = line.UtilizedAmount.String()
	}
	return &CreditLineResult{
		Borrower:        crypto.MustAddressFromBytes(line.Borrower[:]).String(),
		Status:          line.Status.String(),
		CreditLimit:     limit,
		UtilizedAmount:  utilized,
		AvailableCredit: line.Available().String(),
		InterestRateBps: line.InterestRateBps,
		RiskScore:       line.RiskScore,
	}
}

// wrapLedgerError translates ledger and engine failures into transport
// errors. Engine taxonomy errors carry their stable code and label in the
// data field.
func wrapLedgerError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, core.ErrLedgerNotInitialized):
		return &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, nativecommon.ErrModulePaused):
		return &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: err.Error()}
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded), errors.Is(err, nativecommon.ErrQuotaValueExceeded):
		return &ModuleError{HTTPStatus: http.StatusTooManyRequests, Code: codeRateLimited, Message: err.Error()}
	case errors.Is(err, core.ErrInstructionNonce):
		return &ModuleError{HTTPStatus: http.StatusConflict, Code: codeDuplicate, Message: err.Error()}
	case errors.Is(err, core.ErrInstructionChainID),
		errors.Is(err, core.ErrInstructionIntent),
		errors.Is(err, core.ErrInstructionSignature),
		errors.Is(err, core.ErrInstructionSigner),
		errors.Is(err, core.ErrInstructionPayload):
		return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, core.ErrInsufficientReserve):
		return &ModuleError{HTTPStatus: http.StatusConflict, Code: codeServerError, Message: err.Error()}
	}
	if code, ok := credit.ErrorCode(err); ok {
		data := errorData{Code: code, Label: credit.ErrorLabel(err)}
		switch {
		case errors.Is(err, credit.ErrUnauthorized):
			return &ModuleError{HTTPStatus: http.StatusUnauthorized, Code: codeUnauthorized, Message: err.Error(), Data: data}
		case errors.Is(err, credit.ErrNotFound):
			return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeInvalidParams, Message: err.Error(), Data: data}
		default:
			return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error(), Data: data}
		}
	}
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
}
