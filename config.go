package carevault

import (
	"fmt"
	"time"

	"github.com/hengadev/errsx"
)

// Environment variable names.
const (
	// EnvDBPath points at the SQLite database holding records and audit
	// entries. Default: .carevault/store.db
	EnvDBPath = "CAREVAULT_DB_PATH"

	// EnvKeyDBPath points at the SQLite database holding KEK version
	// metadata. Default: .carevault/keys.db
	EnvKeyDBPath = "CAREVAULT_KEY_DB_PATH"

	// EnvPolicyDir is the directory of instrument policy YAML files.
	EnvPolicyDir = "CAREVAULT_POLICY_DIR"

	// EnvDedupWindow, EnvGracePeriod, EnvBackupCycle and EnvRetention are
	// Go duration strings overriding the lifecycle clocks.
	EnvDedupWindow = "CAREVAULT_DEDUP_WINDOW"
	EnvGracePeriod = "CAREVAULT_GRACE_PERIOD"
	EnvBackupCycle = "CAREVAULT_BACKUP_CYCLE"
	EnvRetention   = "CAREVAULT_RETENTION_PERIOD"
)

// Default values.
const (
	DefaultDBPath    = ".carevault/store.db"
	DefaultKeyDBPath = ".carevault/keys.db"
	DefaultPolicyDir = "policies"

	// DefaultDedupWindow bounds duplicate-submission detection.
	DefaultDedupWindow = 24 * time.Hour

	// DefaultGracePeriod is how long a deletion request can be cancelled.
	DefaultGracePeriod = 30 * 24 * time.Hour

	// DefaultBackupCycle is the delay between content erasure and the
	// purged state, covering backup media expiry.
	DefaultBackupCycle = 35 * 24 * time.Hour

	// DefaultRetentionPeriod is the statutory retention window for active
	// records; only a legal hold keeps a record past it.
	DefaultRetentionPeriod = 7 * 365 * 24 * time.Hour

	// DefaultSweepBatchSize bounds one retention sweep batch so an
	// interrupted sweep resumes cleanly on the next run.
	DefaultSweepBatchSize = 500
)

// Config holds the subsystem's tunable clocks and storage locations.
type Config struct {
	DBPath    string
	KeyDBPath string
	PolicyDir string

	DedupWindow     time.Duration
	GracePeriod     time.Duration
	BackupCycle     time.Duration
	RetentionPeriod time.Duration
	SweepBatchSize  int
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		DBPath:          DefaultDBPath,
		KeyDBPath:       DefaultKeyDBPath,
		PolicyDir:       DefaultPolicyDir,
		DedupWindow:     DefaultDedupWindow,
		GracePeriod:     DefaultGracePeriod,
		BackupCycle:     DefaultBackupCycle,
		RetentionPeriod: DefaultRetentionPeriod,
		SweepBatchSize:  DefaultSweepBatchSize,
	}
}

// Validate applies defaults for unset fields and rejects nonsensical
// combinations.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.KeyDBPath == "" {
		c.KeyDBPath = DefaultKeyDBPath
	}
	if c.PolicyDir == "" {
		c.PolicyDir = DefaultPolicyDir
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.BackupCycle == 0 {
		c.BackupCycle = DefaultBackupCycle
	}
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = DefaultRetentionPeriod
	}
	if c.SweepBatchSize == 0 {
		c.SweepBatchSize = DefaultSweepBatchSize
	}

	// The dedup window is bucketed in whole seconds, so anything shorter
	// than a second is meaningless.
	if c.DedupWindow < time.Second {
		errs.Set("dedup_window", fmt.Errorf("must be at least 1s, got %s", c.DedupWindow))
	}
	if c.GracePeriod < 0 {
		errs.Set("grace_period", fmt.Errorf("must be positive, got %s", c.GracePeriod))
	}
	if c.BackupCycle < 0 {
		errs.Set("backup_cycle", fmt.Errorf("must be positive, got %s", c.BackupCycle))
	}
	if c.RetentionPeriod < c.GracePeriod {
		errs.Set("retention_period", fmt.Errorf("retention period %s shorter than grace period %s",
			c.RetentionPeriod, c.GracePeriod))
	}
	if c.SweepBatchSize < 0 {
		errs.Set("sweep_batch_size", fmt.Errorf("must be positive, got %d", c.SweepBatchSize))
	}

	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}
