package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"creditline/crypto"
)

// Intents accepted inside signed borrower instructions.
const (
	CreditIntentDraw  = "credit.draw"
	CreditIntentRepay = "credit.repay"
	CreditIntentClose = "credit.close"
)

var (
	// ErrInstructionChainID indicates the instruction targets a different chain identifier.
	ErrInstructionChainID = errors.New("instruction: chain id mismatch")
	// ErrInstructionIntent indicates an unsupported intent string.
	ErrInstructionIntent = errors.New("instruction: unsupported intent")
	// ErrInstructionSignature indicates the signature is malformed or unrecoverable.
	ErrInstructionSignature = errors.New("instruction: invalid signature")
	// ErrInstructionSigner indicates the recovered signer is not the named borrower.
	ErrInstructionSigner = errors.New("instruction: signer is not the borrower")
	// ErrInstructionNonce indicates the nonce does not advance the stored watermark.
	ErrInstructionNonce = errors.New("instruction: nonce must increase")
	// ErrInstructionPayload indicates a structurally invalid instruction body.
	ErrInstructionPayload = errors.New("instruction: malformed payload")
)

// CreditInstruction is the canonical payload a borrower signs off-ledger to
// authorize a draw, repayment or close against their own credit line. The
// nonce is a strictly increasing per-borrower watermark; replaying any signed
// payload is rejected once a nonce at or above it has been consumed.
type CreditInstruction struct {
	ChainID  uint64 `json:"chainId"`
	Intent   string `json:"intent"`
	Borrower string `json:"borrower"`
	Amount   string `json:"amount"`
	Nonce    uint64 `json:"nonce"`
}

// NormalizedIntent returns the lowercase trimmed intent string.
func (ins CreditInstruction) NormalizedIntent() string {
	return strings.ToLower(strings.TrimSpace(ins.Intent))
}

// AmountBig parses the Amount field. Draw and repay instructions require a
// positive decimal amount; close instructions carry no value and normalize to
// zero.
func (ins CreditInstruction) AmountBig() (*big.Int, error) {
	trimmed := strings.TrimSpace(ins.Amount)
	if ins.NormalizedIntent() == CreditIntentClose {
		if trimmed != "" && trimmed != "0" {
			return nil, fmt.Errorf("%w: close instructions carry no amount", ErrInstructionPayload)
		}
		return big.NewInt(0), nil
	}
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInstructionPayload)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrInstructionPayload, ins.Amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInstructionPayload)
	}
	return value, nil
}

// CanonicalJSON returns the canonical encoding borrowers sign. Field order and
// normalization are fixed so independently built clients produce identical
// digests.
func (ins CreditInstruction) CanonicalJSON() ([]byte, error) {
	intent := ins.NormalizedIntent()
	switch intent {
	case CreditIntentDraw, CreditIntentRepay, CreditIntentClose:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInstructionIntent, ins.Intent)
	}
	amount, err := ins.AmountBig()
	if err != nil {
		return nil, err
	}
	canonical := struct {
		ChainID  uint64 `json:"chainId"`
		Intent   string `json:"intent"`
		Borrower string `json:"borrower"`
		Amount   string `json:"amount"`
		Nonce    uint64 `json:"nonce"`
	}{
		ChainID:  ins.ChainID,
		Intent:   intent,
		Borrower: strings.TrimSpace(ins.Borrower),
		Amount:   amount.String(),
		Nonce:    ins.Nonce,
	}
	if canonical.ChainID == 0 {
		return nil, fmt.Errorf("%w: chainId required", ErrInstructionPayload)
	}
	if canonical.Borrower == "" {
		return nil, fmt.Errorf("%w: borrower required", ErrInstructionPayload)
	}
	if canonical.Nonce == 0 {
		return nil, fmt.Errorf("%w: nonce required", ErrInstructionPayload)
	}
	return json.Marshal(canonical)
}

// Digest computes the keccak256 hash over the canonical JSON representation.
func (ins CreditInstruction) Digest() ([]byte, error) {
	canonical, err := ins.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(canonical), nil
}

// Sign produces the 65-byte recoverable signature a borrower submits
// alongside the instruction.
func (ins CreditInstruction) Sign(key *crypto.PrivateKey) ([]byte, error) {
	digest, err := ins.Digest()
	if err != nil {
		return nil, err
	}
	return key.Sign(digest)
}

// Verify checks the instruction against the ledger chain identifier, recovers
// the signer from the signature and confirms it matches the named borrower.
// It returns the borrower address on success.
func (ins CreditInstruction) Verify(sig []byte, chainID uint64) (crypto.Address, error) {
	var zero crypto.Address
	if ins.ChainID != chainID {
		return zero, ErrInstructionChainID
	}
	digest, err := ins.Digest()
	if err != nil {
		return zero, err
	}
	if len(sig) != 65 {
		return zero, fmt.Errorf("%w: signature must be 65 bytes", ErrInstructionSignature)
	}
	pubKey, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInstructionSignature, err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	borrower, err := crypto.DecodeAddress(strings.TrimSpace(ins.Borrower))
	if err != nil {
		return zero, fmt.Errorf("%w: invalid borrower address: %v", ErrInstructionPayload, err)
	}
	if crypto.MustAddressFromBytes(recovered.Bytes()) != borrower {
		return zero, ErrInstructionSigner
	}
	return borrower, nil
}
