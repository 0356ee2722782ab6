package carevault

import (
	"fmt"
	"os"
	"time"
)

// LoadConfigFromEnvironment reads configuration from environment variables
// and returns a validated Config. All variables are optional; unset values
// fall back to defaults (12-factor style, matching the CLI's .env loading).
func LoadConfigFromEnvironment() (Config, error) {
	cfg := Config{
		DBPath:    os.Getenv(EnvDBPath),
		KeyDBPath: os.Getenv(EnvKeyDBPath),
		PolicyDir: os.Getenv(EnvPolicyDir),
	}

	var err error
	if cfg.DedupWindow, err = durationFromEnv(EnvDedupWindow); err != nil {
		return Config{}, err
	}
	if cfg.GracePeriod, err = durationFromEnv(EnvGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.BackupCycle, err = durationFromEnv(EnvBackupCycle); err != nil {
		return Config{}, err
	}
	if cfg.RetentionPeriod, err = durationFromEnv(EnvRetention); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func durationFromEnv(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a duration, got %q", ErrInvalidConfiguration, key, value)
	}
	return d, nil
}
