package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"creditline/core"
)

var lineRPCCall = callCreditRPC

func runLineCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, lineUsage())
		return 1
	}
	switch args[0] {
	case "draw":
		return runLineInstruction("credit_draw", core.CreditIntentDraw, "line draw", true, args[1:], stdout, stderr)
	case "repay":
		return runLineInstruction("credit_repay", core.CreditIntentRepay, "line repay", true, args[1:], stdout, stderr)
	case "close":
		return runLineInstruction("credit_closeWithSig", core.CreditIntentClose, "line close", false, args[1:], stdout, stderr)
	case "get":
		return runLineQuery("credit_get", "line get", args[1:], stdout, stderr)
	case "nonce":
		return runLineQuery("credit_nonce", "line nonce", args[1:], stdout, stderr)
	case "events":
		return runLineEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown line subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, lineUsage())
		return 1
	}
}

// runLineInstruction builds, signs and submits one borrower instruction.
// Close instructions carry no amount, so the flag is only registered for draw
// and repay.
func runLineInstruction(method, intent, name string, wantsAmount bool, args []string, stdout, stderr io.Writer) int {
	fs := newCreditFlagSet(name, stderr)
	var (
		keyFile   string
		amountStr string
		nonce     uint64
	)
	fs.StringVar(&keyFile, "key", defaultKeyFile, "path to the signing key file")
	if wantsAmount {
		fs.StringVar(&amountStr, "amount", "", "amount in base units (supports 100e6 shorthand)")
	}
	fs.Uint64Var(&nonce, "nonce", 0, "instruction nonce (default: fetch the current watermark and add one)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	amount := ""
	if wantsAmount {
		if strings.TrimSpace(amountStr) == "" {
			return printCommandError(stderr, "--amount is required")
		}
		normalized, err := normalizeAmount(amountStr, "--amount")
		if err != nil {
			return printCommandError(stderr, err.Error())
		}
		amount = normalized
	}

	params, err := buildSignedInstruction(intent, amount, keyFile, nonce)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	result, rpcErr, err := lineRPCCall(method, params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// buildSignedInstruction loads the borrower key, resolves the chain id and
// nonce from the node when they are not supplied, and signs the canonical
// payload.
func buildSignedInstruction(intent, amount, keyFile string, nonceOverride uint64) (map[string]interface{}, error) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		return nil, err
	}
	borrower := key.PubKey().Address().String()

	chainID, err := fetchChainID()
	if err != nil {
		return nil, fmt.Errorf("fetching ledger status: %w", err)
	}
	nonce := nonceOverride
	if nonce == 0 {
		current, err := fetchNonce(borrower)
		if err != nil {
			return nil, fmt.Errorf("fetching instruction nonce: %w", err)
		}
		nonce = current + 1
	}

	ins := core.CreditInstruction{
		ChainID:  chainID,
		Intent:   intent,
		Borrower: borrower,
		Amount:   amount,
		Nonce:    nonce,
	}
	sig, err := ins.Sign(key)
	if err != nil {
		return nil, fmt.Errorf("signing instruction: %w", err)
	}
	return map[string]interface{}{
		"instruction": ins,
		"signature":   "0x" + hex.EncodeToString(sig),
	}, nil
}

func fetchChainID() (uint64, error) {
	result, rpcErr, err := lineRPCCall("credit_status", nil, false)
	if err != nil {
		return 0, err
	}
	if rpcErr != nil {
		return 0, fmt.Errorf("error from node: %s", rpcErr.Message)
	}
	var status struct {
		ChainID uint64 `json:"chainId"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return 0, fmt.Errorf("failed to decode status response: %w", err)
	}
	if status.ChainID == 0 {
		return 0, fmt.Errorf("node reported chain id 0")
	}
	return status.ChainID, nil
}

func fetchNonce(borrower string) (uint64, error) {
	result, rpcErr, err := lineRPCCall("credit_nonce", map[string]interface{}{"borrower": borrower}, false)
	if err != nil {
		return 0, err
	}
	if rpcErr != nil {
		return 0, fmt.Errorf("error from node: %s", rpcErr.Message)
	}
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return 0, fmt.Errorf("failed to decode nonce response: %w", err)
	}
	return out.Nonce, nil
}

func runLineQuery(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newCreditFlagSet(name, stderr)
	var borrower string
	fs.StringVar(&borrower, "borrower", "", "borrower bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(borrower) == "" {
		return printCommandError(stderr, "--borrower is required")
	}
	params := map[string]interface{}{"borrower": borrower}
	result, rpcErr, err := lineRPCCall(method, params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLineEvents(args []string, stdout, stderr io.Writer) int {
	fs := newCreditFlagSet("line events", stderr)
	var (
		prefix string
		cursor string
		limit  int
	)
	fs.StringVar(&prefix, "prefix", "", "event namespace filter (default credit.)")
	fs.StringVar(&cursor, "cursor", "", "resume after this cursor")
	fs.IntVar(&limit, "limit", 0, "max events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params := map[string]interface{}{}
	if strings.TrimSpace(prefix) != "" {
		params["prefix"] = prefix
	}
	if strings.TrimSpace(cursor) != "" {
		params["cursor"] = cursor
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var payload interface{}
	if len(params) > 0 {
		payload = params
	}
	result, rpcErr, err := lineRPCCall("credit_listEvents", payload, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func lineUsage() string {
	return strings.TrimSpace(`Usage:
  credit-cli line <command> [flags]

draw, repay and close sign an instruction with the local key file and submit
it; the chain id and nonce are fetched from the node unless --nonce is given.

Commands:
  draw    Draw against the credit line (--key, --amount)
  repay   Repay outstanding utilization (--key, --amount)
  close   Close the line once utilization is zero (--key)
  get     Show a credit line (--borrower)
  nonce   Show the instruction nonce watermark (--borrower)
  events  List committed credit events (--prefix, --cursor, --limit)
`)
}

// normalizeAmount converts operator-friendly amounts like 100e6 or 2.5e3 into
// base-unit digit strings. Fractional results are rejected since the ledger
// only tracks whole base units.
func normalizeAmount(value, flagName string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format for %s", flagName)
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid amount format for %s", flagName)
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format for %s", flagName)
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("%s must be a whole number of base units", flagName)
	}
	if digits == "" {
		digits = "0"
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
