package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"creditline/core"
	"creditline/crypto"
	nativecommon "creditline/native/common"
)

// Defaults applied when a knob is absent from the config file.
const (
	DefaultRPCAddress   = ":8080"
	DefaultDataDir      = "./credit-data"
	DefaultNetworkName  = "credit-local"
	DefaultAuthTokenEnv = "CREDIT_RPC_TOKEN"
	DefaultChainID      = uint64(4217)
	DefaultReserveAsset = "CRD"
)

// Config carries the operator-editable settings for the credit ledger daemon.
type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	NetworkName          string `toml:"NetworkName"`
	AllowBootstrap       bool   `toml:"AllowBootstrap"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`
	OperatorKMSURI       string `toml:"OperatorKMSURI,omitempty"`
	OperatorKMSEnv       string `toml:"OperatorKMSEnv,omitempty"`

	// The bearer token gating admin RPC methods is never stored inline; it
	// is read from a file or an environment variable at startup.
	RPCAuthTokenFile     string   `toml:"RPCAuthTokenFile,omitempty"`
	RPCAuthTokenEnv      string   `toml:"RPCAuthTokenEnv,omitempty"`
	RPCTrustedProxies    []string `toml:"RPCTrustedProxies"`
	RPCTrustProxyHeaders bool     `toml:"RPCTrustProxyHeaders"`
	RPCTLSCertFile       string   `toml:"RPCTLSCertFile,omitempty"`
	RPCTLSKeyFile        string   `toml:"RPCTLSKeyFile,omitempty"`
	RPCAllowInsecure     bool     `toml:"RPCAllowInsecure"`
	RPCSubmitPerWindow   int      `toml:"RPCSubmitPerWindow"`

	Genesis   GenesisSpec     `toml:"genesis"`
	Quota     QuotaConfig     `toml:"quota"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// GenesisSpec is the [genesis] section used when the daemon bootstraps an
// empty data directory. Amounts are decimal strings so genesis files survive
// balances beyond 64 bits.
type GenesisSpec struct {
	ChainID        uint64   `toml:"ChainID"`
	ReserveAsset   string   `toml:"ReserveAsset"`
	AssetName      string   `toml:"AssetName,omitempty"`
	AssetDecimals  uint8    `toml:"AssetDecimals"`
	Admins         []string `toml:"Admins"`
	ReserveBalance string   `toml:"ReserveBalance,omitempty"`
}

func defaultGenesisSpec() GenesisSpec {
	return GenesisSpec{
		ChainID:       DefaultChainID,
		ReserveAsset:  DefaultReserveAsset,
		AssetName:     "Credit Reserve Dollar",
		AssetDecimals: 6,
		Admins:        []string{},
	}
}

// Config parses the section into the ledger genesis parameters, decoding the
// bech32 admin addresses and the reserve funding amount.
func (g GenesisSpec) Config() (core.GenesisConfig, error) {
	cfg := core.GenesisConfig{
		ChainID:       g.ChainID,
		ReserveAsset:  strings.TrimSpace(g.ReserveAsset),
		AssetName:     strings.TrimSpace(g.AssetName),
		AssetDecimals: g.AssetDecimals,
	}
	for _, raw := range g.Admins {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return core.GenesisConfig{}, fmt.Errorf("invalid genesis admin %q: %w", raw, err)
		}
		cfg.Admins = append(cfg.Admins, addr)
	}
	balance, err := parseAmount(g.ReserveBalance)
	if err != nil {
		return core.GenesisConfig{}, fmt.Errorf("invalid genesis ReserveBalance: %w", err)
	}
	cfg.ReserveBalance = balance
	return cfg, nil
}

// QuotaConfig is the [quota] section throttling signed instructions per
// borrower. Zero caps disable the corresponding check.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxValuePerEpoch    string `toml:"MaxValuePerEpoch,omitempty"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

func defaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MaxRequestsPerEpoch: 60,
		EpochSeconds:        3600,
	}
}

// Quota parses the section into the runtime limits enforced by the ledger.
func (q QuotaConfig) Quota() (nativecommon.Quota, error) {
	quota := nativecommon.Quota{
		MaxRequestsPerEpoch: q.MaxRequestsPerEpoch,
		EpochSeconds:        q.EpochSeconds,
	}
	value, err := parseAmount(q.MaxValuePerEpoch)
	if err != nil {
		return nativecommon.Quota{}, fmt.Errorf("invalid quota MaxValuePerEpoch: %w", err)
	}
	quota.MaxValuePerEpoch = value
	hasCaps := quota.MaxRequestsPerEpoch > 0 || (quota.MaxValuePerEpoch != nil && quota.MaxValuePerEpoch.Sign() > 0)
	if hasCaps && quota.EpochSeconds == 0 {
		return nativecommon.Quota{}, fmt.Errorf("quota EpochSeconds must be positive when caps are configured")
	}
	return quota, nil
}

// TelemetryConfig is the [telemetry] section wiring OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string `toml:"Endpoint,omitempty"`
	Environment string `toml:"Environment,omitempty"`
	Headers     string `toml:"Headers,omitempty"`
	Insecure    bool   `toml:"Insecure"`
	Metrics     bool   `toml:"Metrics"`
	Traces      bool   `toml:"Traces"`
}

func defaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{Insecure: true}
}

// Enabled reports whether any exporter is switched on.
func (t TelemetryConfig) Enabled() bool {
	return t.Metrics || t.Traces
}

// ResolveRPCAuthToken returns the bearer token for admin RPC methods,
// preferring the token file over the environment variable. An empty return
// with nil error means admin methods stay locked. The lookup parameter lets
// tests substitute the environment; nil falls back to os.LookupEnv.
func (c *Config) ResolveRPCAuthToken(lookup func(string) (string, bool)) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if file := strings.TrimSpace(c.RPCAuthTokenFile); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read RPCAuthTokenFile: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("RPCAuthTokenFile %s is empty", file)
		}
		return token, nil
	}
	if env := strings.TrimSpace(c.RPCAuthTokenEnv); env != "" {
		value, ok := lookup(env)
		if !ok {
			return "", nil
		}
		token := strings.TrimSpace(value)
		if token == "" {
			return "", fmt.Errorf("%s is set but empty", env)
		}
		return token, nil
	}
	return "", nil
}

// parseAmount converts a decimal string into base units. Scientific notation
// is accepted ("2.5e6") as long as the result is a non-negative integer; an
// empty string yields nil, meaning unset.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	if !rat.IsInt() {
		return nil, fmt.Errorf("amount %q must be a whole number of base units", raw)
	}
	return new(big.Int).Set(rat.Num()), nil
}
