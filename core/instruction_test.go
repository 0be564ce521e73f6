package core

import (
	"errors"
	"testing"

	"creditline/crypto"
)

func newSignedInstruction(t *testing.T, intent, amount string, nonce uint64) (CreditInstruction, []byte, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ins := CreditInstruction{
		ChainID:  4217,
		Intent:   intent,
		Borrower: key.PubKey().Address().String(),
		Amount:   amount,
		Nonce:    nonce,
	}
	sig, err := ins.Sign(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ins, sig, key
}

func TestInstructionVerifyRecoversBorrower(t *testing.T) {
	ins, sig, key := newSignedInstruction(t, CreditIntentDraw, "500", 1)
	addr, err := ins.Verify(sig, 4217)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if addr != key.PubKey().Address() {
		t.Fatalf("recovered %s, want %s", addr, key.PubKey().Address())
	}
}

func TestInstructionRejectsForeignSigner(t *testing.T) {
	ins, _, _ := newSignedInstruction(t, CreditIntentDraw, "500", 1)
	other, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged, err := ins.Sign(other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ins.Verify(forged, 4217); !errors.Is(err, ErrInstructionSigner) {
		t.Fatalf("expected signer mismatch, got %v", err)
	}
}

func TestInstructionRejectsChainMismatch(t *testing.T) {
	ins, sig, _ := newSignedInstruction(t, CreditIntentRepay, "120", 3)
	if _, err := ins.Verify(sig, 999); !errors.Is(err, ErrInstructionChainID) {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
}

func TestInstructionRejectsTamperedPayload(t *testing.T) {
	ins, sig, key := newSignedInstruction(t, CreditIntentDraw, "500", 1)
	ins.Amount = "5000"
	if _, err := ins.Verify(sig, 4217); !errors.Is(err, ErrInstructionSigner) {
		t.Fatalf("expected signer mismatch on tampered amount, got %v", err)
	}
	ins.Amount = "500"
	ins.Nonce = 2
	if _, err := ins.Verify(sig, 4217); !errors.Is(err, ErrInstructionSigner) {
		t.Fatalf("expected signer mismatch on tampered nonce, got %v", err)
	}
	ins.Nonce = 1
	if _, err := ins.Verify(sig, 4217); err != nil {
		t.Fatalf("restored payload must verify: %v", err)
	}
	_ = key
}

func TestInstructionValidatesShape(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	borrower := key.PubKey().Address().String()

	cases := []struct {
		name string
		ins  CreditInstruction
	}{
		{"unknown intent", CreditInstruction{ChainID: 4217, Intent: "credit.burn", Borrower: borrower, Amount: "1", Nonce: 1}},
		{"zero chain", CreditInstruction{Intent: CreditIntentDraw, Borrower: borrower, Amount: "1", Nonce: 1}},
		{"zero nonce", CreditInstruction{ChainID: 4217, Intent: CreditIntentDraw, Borrower: borrower, Amount: "1"}},
		{"missing amount", CreditInstruction{ChainID: 4217, Intent: CreditIntentDraw, Borrower: borrower, Nonce: 1}},
		{"negative amount", CreditInstruction{ChainID: 4217, Intent: CreditIntentRepay, Borrower: borrower, Amount: "-4", Nonce: 1}},
		{"close with value", CreditInstruction{ChainID: 4217, Intent: CreditIntentClose, Borrower: borrower, Amount: "25", Nonce: 1}},
		{"missing borrower", CreditInstruction{ChainID: 4217, Intent: CreditIntentDraw, Amount: "1", Nonce: 1}},
	}
	for _, tc := range cases {
		if _, err := tc.ins.CanonicalJSON(); err == nil {
			t.Fatalf("%s: canonicalization must fail", tc.name)
		}
	}
}

func TestCloseInstructionNormalizesAmount(t *testing.T) {
	ins, sig, _ := newSignedInstruction(t, CreditIntentClose, "", 7)
	if _, err := ins.Verify(sig, 4217); err != nil {
		t.Fatalf("verify: %v", err)
	}
	amount, err := ins.AmountBig()
	if err != nil || amount.Sign() != 0 {
		t.Fatalf("close amount = %v, err %v", amount, err)
	}
	// "0" and "" canonicalize identically, so either form verifies.
	explicit := ins
	explicit.Amount = "0"
	if _, err := explicit.Verify(sig, 4217); err != nil {
		t.Fatalf("explicit zero: %v", err)
	}
}

func TestIntentNormalization(t *testing.T) {
	ins, sig, _ := newSignedInstruction(t, "  CREDIT.DRAW  ", "500", 1)
	if ins.NormalizedIntent() != CreditIntentDraw {
		t.Fatalf("normalized intent = %q", ins.NormalizedIntent())
	}
	if _, err := ins.Verify(sig, 4217); err != nil {
		t.Fatalf("verify: %v", err)
	}
	relabeled := ins
	relabeled.Intent = CreditIntentDraw
	if _, err := relabeled.Verify(sig, 4217); err != nil {
		t.Fatalf("canonical intent must produce the same digest: %v", err)
	}
}
