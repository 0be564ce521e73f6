package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"creditline/crypto"

	"github.com/BurntSushi/toml"
)

// Option adjusts how Load resolves secrets while reading a config file.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
}

// WithKeystorePassphrase supplies a fixed passphrase for operator keystore
// creation. Intended for tests; daemons should prefer
// WithKeystorePassphraseSource so the secret is resolved lazily.
func WithKeystorePassphrase(pass string) Option {
	return func(o *loadOptions) {
		o.passphrase = func() (string, error) { return pass, nil }
	}
}

// WithKeystorePassphraseSource registers a callback that yields the operator
// keystore passphrase. The callback runs only when Load actually needs to
// create or unlock a keystore.
func WithKeystorePassphraseSource(source func() (string, error)) Option {
	return func(o *loadOptions) {
		o.passphrase = source
	}
}

func (o *loadOptions) resolvePassphrase() (string, error) {
	if o == nil || o.passphrase == nil {
		return "", errors.New("operator keystore passphrase required")
	}
	pass, err := o.passphrase()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(pass) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	return pass, nil
}

// Load reads the configuration from the given path, creating a default config
// and a fresh operator keystore when the file does not exist yet.
func Load(path string, opts ...Option) (*Config, error) {
	options := &loadOptions{}
	for _, opt := range opts {
		opt(options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "AuthToken" {
			return nil, fmt.Errorf("config file %s uses deprecated AuthToken field; move the token to RPCAuthTokenFile or RPCAuthTokenEnv", path)
		}
	}

	if cfg.OperatorKMSURI == "" && cfg.OperatorKMSEnv == "" {
		if err := ensureKeystore(path, cfg, options); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = DefaultRPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = DefaultNetworkName
	}
	if cfg.RPCTrustedProxies == nil {
		cfg.RPCTrustedProxies = []string{}
	}
	if cfg.RPCSubmitPerWindow < 0 {
		cfg.RPCSubmitPerWindow = 0
	}
}

func ensureKeystore(configPath string, cfg *Config, options *loadOptions) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		pass, passErr := options.resolvePassphrase()
		if passErr != nil {
			return passErr
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault writes a default configuration file plus a freshly generated
// operator keystore. Nothing is written until a passphrase is available.
func createDefault(path string, options *loadOptions) (*Config, error) {
	pass, err := options.resolvePassphrase()
	if err != nil {
		return nil, err
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:        DefaultRPCAddress,
		DataDir:           DefaultDataDir,
		NetworkName:       DefaultNetworkName,
		RPCAuthTokenEnv:   DefaultAuthTokenEnv,
		RPCTrustedProxies: []string{},
		Genesis:           defaultGenesisSpec(),
		Quota:             defaultQuotaConfig(),
		Telemetry:         defaultTelemetryConfig(),
	}
	cfg.OperatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
