package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"creditline/crypto"
)

const testKeystorePassphrase = "test-passphrase"

var testAdminAddrString = func() string {
	var addr [20]byte
	addr[0] = 0x42
	addr[len(addr)-1] = 0x24
	return crypto.MustAddressFromBytes(addr[:]).String()
}()

func TestLoadParsesRPCSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "operator.keystore")
	contents := fmt.Sprintf(`RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
NetworkName = "credit-testnet"
OperatorKeystorePath = "%s"
RPCAuthTokenEnv = "CREDIT_TEST_TOKEN"
RPCTrustedProxies = ["10.0.0.1"]
RPCTrustProxyHeaders = true
RPCTLSCertFile = "/path/to/cert.pem"
RPCTLSKeyFile = "/path/to/key.pem"
RPCSubmitPerWindow = 12

[genesis]
ChainID = 187001
ReserveAsset = "CRD"
AssetName = "Credit Reserve Dollar"
AssetDecimals = 6
Admins = ["%s"]
ReserveBalance = "1000000"

[quota]
MaxRequestsPerEpoch = 30
MaxValuePerEpoch = "500000"
EpochSeconds = 600

[telemetry]
Endpoint = "collector:4318"
Environment = "staging"
Headers = "x-team=ledger"
Insecure = true
Metrics = true
Traces = true
`, keystorePath, testAdminAddrString)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != "0.0.0.0:9000" || cfg.DataDir != "./data" {
		t.Fatalf("unexpected base settings: %+v", cfg)
	}
	if cfg.NetworkName != "credit-testnet" {
		t.Fatalf("unexpected network name: %s", cfg.NetworkName)
	}
	if cfg.RPCAuthTokenEnv != "CREDIT_TEST_TOKEN" {
		t.Fatalf("unexpected auth token env: %s", cfg.RPCAuthTokenEnv)
	}
	if len(cfg.RPCTrustedProxies) != 1 || cfg.RPCTrustedProxies[0] != "10.0.0.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.RPCTrustedProxies)
	}
	if !cfg.RPCTrustProxyHeaders {
		t.Fatalf("expected RPCTrustProxyHeaders to be true")
	}
	if cfg.RPCTLSCertFile != "/path/to/cert.pem" || cfg.RPCTLSKeyFile != "/path/to/key.pem" {
		t.Fatalf("unexpected TLS paths: %s %s", cfg.RPCTLSCertFile, cfg.RPCTLSKeyFile)
	}
	if cfg.RPCSubmitPerWindow != 12 {
		t.Fatalf("unexpected submit window: %d", cfg.RPCSubmitPerWindow)
	}
	if cfg.Genesis.ChainID != 187001 || cfg.Genesis.ReserveAsset != "CRD" {
		t.Fatalf("unexpected genesis section: %+v", cfg.Genesis)
	}
	if cfg.Genesis.AssetDecimals != 6 {
		t.Fatalf("unexpected asset decimals: %d", cfg.Genesis.AssetDecimals)
	}
	if len(cfg.Genesis.Admins) != 1 || cfg.Genesis.Admins[0] != testAdminAddrString {
		t.Fatalf("unexpected admins: %v", cfg.Genesis.Admins)
	}
	if cfg.Quota.MaxRequestsPerEpoch != 30 || cfg.Quota.EpochSeconds != 600 {
		t.Fatalf("unexpected quota section: %+v", cfg.Quota)
	}
	if cfg.Quota.MaxValuePerEpoch != "500000" {
		t.Fatalf("unexpected quota value cap: %s", cfg.Quota.MaxValuePerEpoch)
	}
	if cfg.Telemetry.Endpoint != "collector:4318" || cfg.Telemetry.Environment != "staging" {
		t.Fatalf("unexpected telemetry section: %+v", cfg.Telemetry)
	}
	if !cfg.Telemetry.Metrics || !cfg.Telemetry.Traces || !cfg.Telemetry.Insecure {
		t.Fatalf("unexpected telemetry flags: %+v", cfg.Telemetry)
	}
	if !cfg.Telemetry.Enabled() {
		t.Fatalf("expected telemetry to report enabled")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "operator.keystore")
	contents := fmt.Sprintf(`OperatorKeystorePath = "%s"
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.RPCAddress != DefaultRPCAddress {
		t.Fatalf("unexpected RPC address default: %s", cfg.RPCAddress)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Fatalf("unexpected data dir default: %s", cfg.DataDir)
	}
	if cfg.NetworkName != DefaultNetworkName {
		t.Fatalf("unexpected network name default: %s", cfg.NetworkName)
	}
	if cfg.RPCTrustedProxies == nil {
		t.Fatalf("expected trusted proxies to default to an empty slice")
	}
	if cfg.RPCTrustProxyHeaders {
		t.Fatalf("expected proxy header trust to default to false")
	}
	if cfg.RPCAllowInsecure {
		t.Fatalf("expected AllowInsecure to default to false")
	}
}

func TestLoadRejectsDeprecatedAuthToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = ":8080"
AuthToken = "plaintext-secret"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err == nil {
		t.Fatalf("expected error for deprecated AuthToken field")
	}
	if !strings.Contains(err.Error(), "RPCAuthTokenFile") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenesisSpecParsing(t *testing.T) {
	spec := GenesisSpec{
		ChainID:        4217,
		ReserveAsset:   "CRD",
		AssetDecimals:  6,
		Admins:         []string{testAdminAddrString, " "},
		ReserveBalance: "2.5e6",
	}
	cfg, err := spec.Config()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ChainID != 4217 || cfg.ReserveAsset != "CRD" {
		t.Fatalf("unexpected genesis config: %+v", cfg)
	}
	if len(cfg.Admins) != 1 {
		t.Fatalf("blank admin entries must be skipped: %v", cfg.Admins)
	}
	want := big.NewInt(2_500_000)
	if cfg.ReserveBalance == nil || cfg.ReserveBalance.Cmp(want) != 0 {
		t.Fatalf("unexpected reserve balance: %v", cfg.ReserveBalance)
	}

	if _, err := (GenesisSpec{Admins: []string{"bc1qinvalid"}}).Config(); err == nil {
		t.Fatalf("expected error for malformed admin address")
	}
	if _, err := (GenesisSpec{ReserveBalance: "-5"}).Config(); err == nil {
		t.Fatalf("expected error for negative reserve balance")
	}
	if _, err := (GenesisSpec{ReserveBalance: "1.5"}).Config(); err == nil {
		t.Fatalf("expected error for fractional reserve balance")
	}
	if _, err := (GenesisSpec{ReserveBalance: "abc"}).Config(); err == nil {
		t.Fatalf("expected error for unparseable reserve balance")
	}
}

func TestQuotaConfigParsing(t *testing.T) {
	quota, err := QuotaConfig{MaxRequestsPerEpoch: 10, MaxValuePerEpoch: "1e3", EpochSeconds: 60}.Quota()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quota.MaxRequestsPerEpoch != 10 || quota.EpochSeconds != 60 {
		t.Fatalf("unexpected quota: %+v", quota)
	}
	if quota.MaxValuePerEpoch == nil || quota.MaxValuePerEpoch.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected value cap: %v", quota.MaxValuePerEpoch)
	}
	if !quota.Enabled() {
		t.Fatalf("expected quota to be enabled")
	}

	disabled, err := QuotaConfig{}.Quota()
	if err != nil {
		t.Fatalf("unexpected error for zero quota: %v", err)
	}
	if disabled.Enabled() {
		t.Fatalf("zero quota must stay disabled")
	}

	if _, err := (QuotaConfig{MaxRequestsPerEpoch: 5}).Quota(); err == nil {
		t.Fatalf("expected error for caps without epoch length")
	}
	if _, err := (QuotaConfig{MaxValuePerEpoch: "x", EpochSeconds: 60}).Quota(); err == nil {
		t.Fatalf("expected error for invalid value cap")
	}
}

func TestValidateRejectsHalfConfiguredTLS(t *testing.T) {
	cfg := &Config{RPCAddress: ":8080", DataDir: "./data", RPCTLSCertFile: "/cert.pem"}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for cert without key")
	}

	cfg.RPCTLSKeyFile = "/key.pem"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveRPCAuthToken(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("  file-token\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	cfg := &Config{RPCAuthTokenFile: tokenFile, RPCAuthTokenEnv: "CREDIT_TEST_TOKEN"}
	token, err := cfg.ResolveRPCAuthToken(func(string) (string, bool) {
		t.Fatalf("env lookup must not run when a token file is set")
		return "", false
	})
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if token != "file-token" {
		t.Fatalf("unexpected token: %q", token)
	}

	cfg = &Config{RPCAuthTokenEnv: "CREDIT_TEST_TOKEN"}
	token, err = cfg.ResolveRPCAuthToken(func(name string) (string, bool) {
		if name != "CREDIT_TEST_TOKEN" {
			t.Fatalf("unexpected env name: %s", name)
		}
		return "env-token", true
	})
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if token != "env-token" {
		t.Fatalf("unexpected token: %q", token)
	}

	token, err = cfg.ResolveRPCAuthToken(func(string) (string, bool) { return "", false })
	if err != nil || token != "" {
		t.Fatalf("unset env must resolve to empty token, got %q err %v", token, err)
	}

	if _, err := cfg.ResolveRPCAuthToken(func(string) (string, bool) { return "  ", true }); err == nil {
		t.Fatalf("expected error for set-but-empty env token")
	}

	cfg = &Config{RPCAuthTokenFile: filepath.Join(dir, "missing")}
	if _, err := cfg.ResolveRPCAuthToken(nil); err == nil {
		t.Fatalf("expected error for missing token file")
	}
}

func TestLoadWithoutPassphraseFailsToCreateDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when no keystore passphrase is provided")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("config file must not be created without a passphrase")
	}
}

func TestLoadCreatesKeystoreWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	passphrase := "strong-passphrase"

	cfg, err := Load(path, WithKeystorePassphrase(passphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.OperatorKeystorePath == "" {
		t.Fatalf("expected operator keystore path to be set")
	}
	if _, err := os.Stat(cfg.OperatorKeystorePath); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}
	if cfg.Genesis.ChainID != DefaultChainID || cfg.Genesis.ReserveAsset != DefaultReserveAsset {
		t.Fatalf("unexpected default genesis: %+v", cfg.Genesis)
	}
	if cfg.Quota != defaultQuotaConfig() {
		t.Fatalf("unexpected default quota: %+v", cfg.Quota)
	}

	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, passphrase)
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}

	// A second load reuses the persisted file and keystore.
	again, err := Load(path, WithKeystorePassphrase(passphrase))
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if again.OperatorKeystorePath != cfg.OperatorKeystorePath {
		t.Fatalf("keystore path changed across loads: %s vs %s", again.OperatorKeystorePath, cfg.OperatorKeystorePath)
	}
}
