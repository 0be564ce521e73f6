package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"creditline/crypto"
)

const defaultKeyFile = "wallet.key"

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via CREDIT_RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("CREDIT_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		path := defaultKeyFile
		if len(args) > 1 {
			path = args[1]
		}
		generateKey(path)
	case "address":
		path := defaultKeyFile
		if len(args) > 1 {
			path = args[1]
		}
		showAddress(path)
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalance(args[1])
	case "status":
		getStatus()
	case "admin":
		code := runAdminCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "line":
		code := runLineCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("CREDIT_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Error: %s already exists. Move it aside before generating a new key.\n", path)
		os.Exit(1)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, key.Bytes(), 0600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", path, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", path)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Signing commands refuse to run without it.")
}

func showAddress(path string) {
	key, err := loadPrivateKey(path)
	if err != nil {
		fmt.Printf("Error loading private key: %v\n", err)
		return
	}
	fmt.Println(key.PubKey().Address().String())
}

// --- RPC HELPER FUNCTIONS ---

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type statusResponse struct {
	ChainID        uint64 `json:"chainId"`
	ReserveAsset   string `json:"reserveAsset"`
	ReserveAddress string `json:"reserveAddress"`
	ReserveBalance string `json:"reserveBalance"`
	Paused         bool   `json:"paused"`
}

func getBalance(addr string) {
	result, rpcErr, err := callCreditRPC("credit_balance", map[string]interface{}{"address": addr}, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}
	var account balanceResponse
	if err := json.Unmarshal(result, &account); err != nil {
		fmt.Println("Error: failed to decode response from node")
		return
	}
	fmt.Printf("Balance for: %s\n", account.Address)
	fmt.Printf("  Asset:   %s\n", account.Asset)
	fmt.Printf("  Balance: %s\n", account.Balance)
}

func getStatus() {
	result, rpcErr, err := callCreditRPC("credit_status", nil, false)
	if err != nil {
		fmt.Printf("Error fetching status: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}
	var status statusResponse
	if err := json.Unmarshal(result, &status); err != nil {
		fmt.Println("Error: failed to decode response from node")
		return
	}
	fmt.Printf("Chain ID:        %d\n", status.ChainID)
	fmt.Printf("Reserve asset:   %s\n", status.ReserveAsset)
	fmt.Printf("Reserve address: %s\n", status.ReserveAddress)
	fmt.Printf("Reserve balance: %s\n", status.ReserveBalance)
	fmt.Printf("Paused:          %t\n", status.Paused)
}

func callCreditRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires CREDIT_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key file %s not found. run ./credit-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read private key file %s: %w", path, err)
	}
	if len(keyBytes) == 0 {
		return nil, fmt.Errorf("private key file %s is empty. run ./credit-cli generate-key first", path)
	}
	privKey, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key in %s: %w", path, err)
	}
	return privKey, nil
}

func newCreditFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printCommandError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if len(result) == 0 || result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func printUsage() {
	fmt.Println("Usage: credit-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Borrower commands sign instructions with a locally generated key. Run")
	fmt.Println("./credit-cli generate-key first; signing commands abort if the key file is missing.")
	fmt.Println("Admin commands authenticate with a bearer token read from CREDIT_RPC_TOKEN.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  generate-key [file]     - Generates a new key and saves it (default wallet.key)")
	fmt.Println("  address [file]          - Prints the bech32 address for a key file")
	fmt.Println("  balance <address>       - Shows the reserve-asset balance of an address")
	fmt.Println("  status                  - Shows the ledger chain id, reserve and pause state")
	fmt.Println("  line                    - Borrower credit line subcommands (draw, repay, ...)")
	fmt.Println("  admin                   - Operator subcommands (open, suspend, pause, ...)")
}
