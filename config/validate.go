package config

import (
	"fmt"
	"strings"
)

// Validate checks the cross-field constraints a decoded config must satisfy
// before the daemon starts.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	cert := strings.TrimSpace(cfg.RPCTLSCertFile)
	key := strings.TrimSpace(cfg.RPCTLSKeyFile)
	if (cert == "") != (key == "") {
		return fmt.Errorf("config: RPCTLSCertFile and RPCTLSKeyFile must be set together")
	}
	if cfg.RPCSubmitPerWindow < 0 {
		return fmt.Errorf("config: RPCSubmitPerWindow must not be negative")
	}
	if _, err := cfg.Genesis.Config(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.Quota.Quota(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
