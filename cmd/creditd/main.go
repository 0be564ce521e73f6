package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"creditline/cmd/internal/passphrase"
	"creditline/config"
	"creditline/core"
	"creditline/crypto"
	"creditline/observability/logging"
	"creditline/observability/otel"
	"creditline/rpc"
	"creditline/storage"
)

const (
	operatorPassEnv   = "CREDIT_OPERATOR_PASS"
	allowBootstrapEnv = "CREDIT_ALLOW_BOOTSTRAP"
	environmentEnv    = "CREDIT_ENV"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	allowBootstrapFlag := flag.Bool("allow-bootstrap", false, "Allow initializing a fresh ledger from the [genesis] config section")
	flag.Parse()

	allowBootstrapCLISet := flagWasProvided("allow-bootstrap")

	env := strings.TrimSpace(os.Getenv(environmentEnv))
	logger := logging.Setup("creditd", env)

	passSource := passphrase.NewSource(operatorPassEnv)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := config.Validate(cfg); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var telemetryShutdown func(context.Context) error
	if cfg.Telemetry.Enabled() {
		telemetryEnv := cfg.Telemetry.Environment
		if telemetryEnv == "" {
			telemetryEnv = env
		}
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "creditd",
			Environment: telemetryEnv,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		telemetryShutdown = shutdown
		logger.Info("telemetry exporters initialised",
			slog.String("endpoint", cfg.Telemetry.Endpoint),
			logging.MaskField("headers", cfg.Telemetry.Headers))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	operatorKey, err := loadOperatorKey(cfg, passSource.Get)
	if err != nil {
		panic(fmt.Sprintf("Failed to load operator key: %v", err))
	}
	operatorAddr := operatorKey.PubKey().Address()

	quota, err := cfg.Quota.Quota()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse quota config: %v", err))
	}

	ledger, err := core.NewLedger(db, core.WithLogger(logger), core.WithQuota(quota))
	if err != nil {
		panic(fmt.Sprintf("Failed to open ledger: %v", err))
	}

	if ledger.Bootstrapped() {
		if cfg.Genesis.ChainID != 0 && cfg.Genesis.ChainID != ledger.ChainID() {
			panic(fmt.Sprintf("Config chain id %d does not match stored ledger chain id %d", cfg.Genesis.ChainID, ledger.ChainID()))
		}
	} else {
		allowBootstrap, err := resolveAllowBootstrap(cfg.AllowBootstrap, allowBootstrapCLISet, *allowBootstrapFlag, os.LookupEnv)
		if err != nil {
			logger.Error("Failed to resolve bootstrap setting", slog.Any("error", err))
			os.Exit(1)
		}
		if !allowBootstrap {
			panic(fmt.Sprintf("Data directory %s holds no ledger; explicitly enable bootstrapping (--allow-bootstrap / %s / config) to initialize from the [genesis] section", cfg.DataDir, allowBootstrapEnv))
		}
		genesis, err := cfg.Genesis.Config()
		if err != nil {
			panic(fmt.Sprintf("Failed to parse genesis config: %v", err))
		}
		// A genesis without operators would leave the ledger unmanageable,
		// so the local operator key fills in as the sole admin.
		if len(genesis.Admins) == 0 {
			genesis.Admins = []crypto.Address{operatorAddr}
			logger.Info("no genesis admins configured; using operator address",
				"addr", operatorAddr.String())
		}
		if err := ledger.Initialize(genesis); err != nil {
			panic(fmt.Sprintf("Failed to bootstrap ledger: %v", err))
		}
	}

	authToken, err := cfg.ResolveRPCAuthToken(nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve RPC auth token: %v", err))
	}
	if authToken == "" {
		logger.Warn("no RPC auth token configured; admin methods stay locked")
	}

	rpcServer := rpc.NewServer(ledger, logger, rpc.ServerConfig{
		AuthToken:         authToken,
		TrustedProxies:    append([]string{}, cfg.RPCTrustedProxies...),
		TrustProxyHeaders: cfg.RPCTrustProxyHeaders,
		AllowInsecure:     cfg.RPCAllowInsecure,
		TLSCertFile:       cfg.RPCTLSCertFile,
		TLSKeyFile:        cfg.RPCTLSKeyFile,
		SubmitPerWindow:   cfg.RPCSubmitPerWindow,
	})

	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("credit ledger daemon running",
		"chainId", ledger.ChainID(),
		"asset", ledger.ReserveAsset(),
		"addr", cfg.RPCAddress,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	if telemetryShutdown != nil {
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", slog.Any("error", err))
		}
	}
}

type envLookupFunc func(string) (string, bool)

// resolveAllowBootstrap merges the config flag, the environment override and
// the CLI flag, with the CLI taking precedence over the environment and both
// over the config file.
func resolveAllowBootstrap(cfgValue bool, cliSet bool, cliValue bool, lookup envLookupFunc) (bool, error) {
	allow := cfgValue

	if lookup != nil {
		if value, ok := lookup(allowBootstrapEnv); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				parsed, err := strconv.ParseBool(trimmed)
				if err != nil {
					return false, fmt.Errorf("invalid %s value %q: %w", allowBootstrapEnv, trimmed, err)
				}
				allow = parsed
			}
		}
	}

	if cliSet {
		allow = cliValue
	}

	return allow, nil
}

func flagWasProvided(name string) bool {
	provided := false
	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == name {
			provided = true
		}
	})
	return provided
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func loadOperatorKey(cfg *config.Config, resolvePassphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if cfg.OperatorKMSURI != "" || cfg.OperatorKMSEnv != "" {
		return loadFromKMS(cfg)
	}

	if cfg.OperatorKeystorePath == "" {
		return nil, fmt.Errorf("operator keystore path not configured")
	}

	if resolvePassphrase == nil {
		return nil, fmt.Errorf("operator keystore passphrase required; set %s or run interactively", operatorPassEnv)
	}

	passphrase, err := resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain operator keystore passphrase: %w", err)
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("operator keystore passphrase cannot be empty")
	}

	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", cfg.OperatorKeystorePath, err)
	}
	return key, nil
}

func loadFromKMS(cfg *config.Config) (*crypto.PrivateKey, error) {
	if envName := cfg.OperatorKMSEnv; envName != "" {
		return keyFromEnv(envName)
	}

	if uri := cfg.OperatorKMSURI; uri != "" {
		parsed, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid KMS URI %q: %w", uri, err)
		}

		switch parsed.Scheme {
		case "env":
			target := parsed.Host
			if target == "" {
				target = strings.TrimPrefix(parsed.Path, "/")
			}
			if target == "" {
				return nil, fmt.Errorf("invalid env URI %q", uri)
			}
			return keyFromEnv(target)
		default:
			return nil, fmt.Errorf("unsupported KMS URI scheme %q", parsed.Scheme)
		}
	}

	return nil, fmt.Errorf("no KMS configuration provided")
}

func keyFromEnv(name string) (*crypto.PrivateKey, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("environment variable %q not set", name)
	}
	return parsePrivateKeyMaterial(value)
}

func parsePrivateKeyMaterial(material string) (*crypto.PrivateKey, error) {
	trimmed := strings.TrimSpace(material)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("empty private key material")
	}
	bytes, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex private key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(bytes)
}
