package main

import (
	"fmt"
	"io"
	"math"
	"strings"
)

var adminRPCCall = callCreditRPC

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
	switch args[0] {
	case "open":
		return runAdminConfigure("credit_open", "admin open", args[1:], stdout, stderr)
	case "update":
		return runAdminConfigure("credit_updateParameters", "admin update", args[1:], stdout, stderr)
	case "suspend":
		return runAdminTransition("credit_suspend", "admin suspend", args[1:], stdout, stderr)
	case "close":
		return runAdminTransition("credit_close", "admin close", args[1:], stdout, stderr)
	case "default":
		return runAdminTransition("credit_default", "admin default", args[1:], stdout, stderr)
	case "pause":
		return runAdminSetPause("admin pause", true, args[1:], stdout, stderr)
	case "resume":
		return runAdminSetPause("admin resume", false, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
}

// runAdminConfigure drives credit_open and credit_updateParameters, which
// share one parameter shape.
func runAdminConfigure(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newCreditFlagSet(name, stderr)
	var (
		caller   string
		borrower string
		limitStr string
		rateBps  uint64
		risk     uint64
	)
	fs.StringVar(&caller, "caller", "", "admin bech32 address")
	fs.StringVar(&borrower, "borrower", "", "borrower bech32 address")
	fs.StringVar(&limitStr, "limit", "", "credit limit in base units (supports 100e6 shorthand)")
	fs.Uint64Var(&rateBps, "rate-bps", 0, "interest rate in basis points")
	fs.Uint64Var(&risk, "risk", 0, "risk score")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		return printCommandError(stderr, "--caller is required")
	}
	if strings.TrimSpace(borrower) == "" {
		return printCommandError(stderr, "--borrower is required")
	}
	if strings.TrimSpace(limitStr) == "" {
		return printCommandError(stderr, "--limit is required")
	}
	normalizedLimit, err := normalizeAmount(limitStr, "--limit")
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if rateBps > math.MaxUint32 {
		return printCommandError(stderr, "--rate-bps is out of range")
	}
	if risk > math.MaxUint32 {
		return printCommandError(stderr, "--risk is out of range")
	}

	params := map[string]interface{}{
		"caller":          caller,
		"borrower":        borrower,
		"creditLimit":     normalizedLimit,
		"interestRateBps": rateBps,
		"riskScore":       risk,
	}
	result, rpcErr, err := adminRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// runAdminTransition drives the status transitions that only name a caller
// and a borrower: suspend, close and default.
func runAdminTransition(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newCreditFlagSet(name, stderr)
	var (
		caller   string
		borrower string
	)
	fs.StringVar(&caller, "caller", "", "admin bech32 address")
	fs.StringVar(&borrower, "borrower", "", "borrower bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		return printCommandError(stderr, "--caller is required")
	}
	if strings.TrimSpace(borrower) == "" {
		return printCommandError(stderr, "--borrower is required")
	}

	params := map[string]interface{}{
		"caller":   caller,
		"borrower": borrower,
	}
	result, rpcErr, err := adminRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminSetPause(name string, paused bool, args []string, stdout, stderr io.Writer) int {
	fs := newCreditFlagSet(name, stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "admin bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		return printCommandError(stderr, "--caller is required")
	}

	params := map[string]interface{}{
		"caller": caller,
		"paused": paused,
	}
	result, rpcErr, err := adminRPCCall("credit_setPause", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func adminUsage() string {
	return strings.TrimSpace(`Usage:
  credit-cli admin <command> [flags]

All admin commands require CREDIT_RPC_TOKEN and a --caller holding the admin role.

Commands:
  open    Open a credit line for a borrower
  update  Overwrite the limit, rate and risk score of a line
  suspend Freeze new draws on an active line
  close   Retire a line on the borrower's behalf
  default Mark a line as defaulted, keeping utilization on record
  pause   Halt all mutating credit operations
  resume  Lift a module pause
`)
}
