package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"creditline/core"
	"creditline/crypto"
)

func writeTempKey(t *testing.T) (string, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "wallet.key")
	if err := os.WriteFile(path, key.Bytes(), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, key
}

func TestLineDrawSignsInstruction(t *testing.T) {
	keyPath, key := writeTempKey(t)
	borrower := key.PubKey().Address().String()

	var submitted map[string]interface{}
	originalCall := lineRPCCall
	lineRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		if requireAuth {
			t.Fatalf("line methods must not require the admin token (method %s)", method)
		}
		switch method {
		case "credit_status":
			return json.RawMessage(`{"chainId":4217,"reserveAsset":"CRD","paused":false}`), nil, nil
		case "credit_nonce":
			return json.RawMessage(`{"borrower":"` + borrower + `","nonce":3}`), nil, nil
		case "credit_draw":
			submitted, _ = params.(map[string]interface{})
			return json.RawMessage(`{"borrower":"` + borrower + `","status":"active"}`), nil, nil
		default:
			t.Fatalf("unexpected method %s", method)
			return nil, nil, nil
		}
	}
	defer func() { lineRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"draw", "--key", keyPath, "--amount", "2.5e3"}
	if exitCode := runLineCommand(args, stdout, stderr); exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d (stderr %q)", exitCode, stderr.String())
	}
	if submitted == nil {
		t.Fatal("draw was never submitted")
	}

	ins, ok := submitted["instruction"].(core.CreditInstruction)
	if !ok {
		t.Fatalf("unexpected instruction payload %T", submitted["instruction"])
	}
	if ins.ChainID != 4217 {
		t.Fatalf("unexpected chain id: %d", ins.ChainID)
	}
	if ins.Intent != core.CreditIntentDraw {
		t.Fatalf("unexpected intent: %s", ins.Intent)
	}
	if ins.Borrower != borrower {
		t.Fatalf("unexpected borrower: %s", ins.Borrower)
	}
	if ins.Amount != "2500" {
		t.Fatalf("unexpected amount: %s", ins.Amount)
	}
	if ins.Nonce != 4 {
		t.Fatalf("expected fetched nonce + 1, got %d", ins.Nonce)
	}

	sigHex, ok := submitted["signature"].(string)
	if !ok || !strings.HasPrefix(sigHex, "0x") {
		t.Fatalf("unexpected signature payload: %v", submitted["signature"])
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	recovered, err := ins.Verify(sig, 4217)
	if err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
	if recovered.String() != borrower {
		t.Fatalf("recovered %s, want %s", recovered.String(), borrower)
	}
}

func TestLineCloseCarriesNoAmount(t *testing.T) {
	keyPath, key := writeTempKey(t)
	borrower := key.PubKey().Address().String()

	var submitted map[string]interface{}
	originalCall := lineRPCCall
	lineRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		switch method {
		case "credit_status":
			return json.RawMessage(`{"chainId":4217}`), nil, nil
		case "credit_nonce":
			return json.RawMessage(`{"borrower":"` + borrower + `","nonce":7}`), nil, nil
		case "credit_closeWithSig":
			submitted, _ = params.(map[string]interface{})
			return json.RawMessage(`{"borrower":"` + borrower + `","status":"closed"}`), nil, nil
		default:
			t.Fatalf("unexpected method %s", method)
			return nil, nil, nil
		}
	}
	defer func() { lineRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exitCode := runLineCommand([]string{"close", "--key", keyPath}, stdout, stderr); exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d (stderr %q)", exitCode, stderr.String())
	}
	if submitted == nil {
		t.Fatal("close was never submitted")
	}
	ins, ok := submitted["instruction"].(core.CreditInstruction)
	if !ok {
		t.Fatalf("unexpected instruction payload %T", submitted["instruction"])
	}
	if ins.Intent != core.CreditIntentClose {
		t.Fatalf("unexpected intent: %s", ins.Intent)
	}
	if ins.Amount != "" {
		t.Fatalf("close instructions carry no amount, got %q", ins.Amount)
	}
	if ins.Nonce != 8 {
		t.Fatalf("expected fetched nonce + 1, got %d", ins.Nonce)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(submitted["signature"].(string), "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if _, err := ins.Verify(sig, 4217); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestLineNonceOverrideSkipsLookup(t *testing.T) {
	keyPath, _ := writeTempKey(t)

	var submitted map[string]interface{}
	originalCall := lineRPCCall
	lineRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		switch method {
		case "credit_status":
			return json.RawMessage(`{"chainId":4217}`), nil, nil
		case "credit_nonce":
			t.Fatal("nonce must not be fetched when --nonce is set")
			return nil, nil, nil
		case "credit_repay":
			submitted, _ = params.(map[string]interface{})
			return json.RawMessage(`{"line":{"status":"active"},"appliedAmount":"10"}`), nil, nil
		default:
			t.Fatalf("unexpected method %s", method)
			return nil, nil, nil
		}
	}
	defer func() { lineRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"repay", "--key", keyPath, "--amount", "10", "--nonce", "9"}
	if exitCode := runLineCommand(args, stdout, stderr); exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d (stderr %q)", exitCode, stderr.String())
	}
	ins, ok := submitted["instruction"].(core.CreditInstruction)
	if !ok {
		t.Fatalf("unexpected instruction payload %T", submitted["instruction"])
	}
	if ins.Nonce != 9 {
		t.Fatalf("unexpected nonce: %d", ins.Nonce)
	}
}

func TestLineDrawRequiresAmount(t *testing.T) {
	originalCall := lineRPCCall
	lineRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		t.Fatalf("unexpected RPC call for method %s", method)
		return nil, nil, nil
	}
	defer func() { lineRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runLineCommand([]string{"draw", "--key", "missing.key"}, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("unexpected exit code: got %d, want 1", exitCode)
	}
	if !strings.Contains(stderr.String(), "--amount is required") {
		t.Fatalf("stderr %q does not mention the missing amount", stderr.String())
	}
}

func TestLineEventsBuildsOptionalParams(t *testing.T) {
	var (
		gotMethod string
		gotParams interface{}
	)
	originalCall := lineRPCCall
	lineRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
		gotMethod = method
		gotParams = params
		return json.RawMessage(`[]`), nil, nil
	}
	defer func() { lineRPCCall = originalCall }()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	args := []string{"events", "--prefix", "credit.draw", "--limit", "5"}
	if exitCode := runLineCommand(args, stdout, stderr); exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d (stderr %q)", exitCode, stderr.String())
	}
	if gotMethod != "credit_listEvents" {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	params, ok := gotParams.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected params type %T", gotParams)
	}
	if params["prefix"] != "credit.draw" || params["limit"] != 5 {
		t.Fatalf("unexpected params: %v", params)
	}
	if _, exists := params["cursor"]; exists {
		t.Fatal("cursor should be omitted when empty")
	}

	// No flags at all sends an empty params array.
	gotParams = map[string]interface{}{"sentinel": true}
	if exitCode := runLineCommand([]string{"events"}, stdout, stderr); exitCode != 0 {
		t.Fatalf("unexpected exit code: got %d (stderr %q)", exitCode, stderr.String())
	}
	if gotParams != nil {
		t.Fatalf("expected nil params, got %v", gotParams)
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "100", want: "100"},
		{input: "00100", want: "100"},
		{input: "100e6", want: "100000000"},
		{input: "0.5e6", want: "500000"},
		{input: "1.0", want: "1"},
		{input: "2_000", want: "2000"},
		{input: "0", want: "0"},
		{input: "1.23e-1", wantErr: true},
		{input: "-10", wantErr: true},
		{input: "", wantErr: true},
		{input: "abc", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizeAmount(tc.input, "--amount")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected result: got %q, want %q", got, tc.want)
			}
		})
	}
}
