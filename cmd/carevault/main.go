// Command carevault runs the operational entry points of the screening data
// store: the retention daemon, tenant KEK rotation and policy linting. The
// serving surface lives elsewhere; this binary covers the jobs a deployment
// schedules out of band.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carevault/carevault"
	"github.com/carevault/carevault/providers/awskms"
	"github.com/carevault/carevault/providers/hashicorpvault"
)

func main() {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "carevault",
		Short:         "Operational jobs for the screening data store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(retentionCmd(logger))
	root.AddCommand(rotateKeyCmd(logger))
	root.AddCommand(policyLintCmd())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func retentionCmd(logger *zap.Logger) *cobra.Command {
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Run the retention sweep daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := carevault.LoadConfigFromEnvironment()
			if err != nil {
				return err
			}

			db, err := openDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := carevault.NewRecordStore(ctx, db)
			if err != nil {
				return err
			}
			audit, err := carevault.NewAuditRecorder(ctx, db)
			if err != nil {
				return err
			}
			scheduler, err := carevault.NewRetentionScheduler(store, audit, cfg, logger)
			if err != nil {
				return err
			}

			if once {
				stats, err := scheduler.Sweep(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Printf("expired=%d hard_deleted=%d purged=%d\n",
					stats.Expired, stats.HardDeleted, stats.Purged)
				return nil
			}

			logger.Info("retention daemon starting", zap.Duration("interval", interval))
			err = scheduler.Run(ctx, interval)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "time between sweeps")
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func rotateKeyCmd(logger *zap.Logger) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate a tenant's key encryption key",
		Long: "Creates a new KEK version for the tenant and deprecates the old one.\n" +
			"Existing records stay decryptable and are re-wrapped on their next write.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			cfg, err := carevault.LoadConfigFromEnvironment()
			if err != nil {
				return err
			}

			keyDB, err := openDB(cfg.KeyDBPath)
			if err != nil {
				return err
			}
			defer keyDB.Close()

			ctx := cmd.Context()
			kms, err := kmsFromEnvironment(ctx)
			if err != nil {
				return err
			}
			codec, err := carevault.NewCodec(ctx, kms, keyDB, logger)
			if err != nil {
				return err
			}

			version, err := codec.RotateTenantKEK(ctx, tenantID)
			if err != nil {
				return err
			}
			fmt.Printf("tenant %s rotated to KEK version %d\n", tenantID, version)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id to rotate")
	return cmd
}

func policyLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy-lint [dir]",
		Short: "Validate instrument policy files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := carevault.LoadConfigFromEnvironment()
			if err != nil {
				return err
			}
			dir := cfg.PolicyDir
			if len(args) == 1 {
				dir = args[0]
			}

			matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				return fmt.Errorf("no policy files found in %s", dir)
			}

			failed := false
			for _, path := range matches {
				policy, err := carevault.LoadInstrumentPolicy(path)
				if err != nil {
					failed = true
					fmt.Printf("FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Printf("ok   %s (%s v%d, max score %d)\n",
					path, policy.Instrument, policy.Version, policy.MaxScore())
			}
			if failed {
				return fmt.Errorf("policy validation failed")
			}
			return nil
		},
	}
}

// kmsFromEnvironment selects the key-management provider. Vault is the
// default; CAREVAULT_KMS_PROVIDER=aws switches to AWS KMS plus Secrets
// Manager.
func kmsFromEnvironment(ctx context.Context) (carevault.KeyManagementService, error) {
	switch provider := os.Getenv("CAREVAULT_KMS_PROVIDER"); provider {
	case "", "vault":
		return hashicorpvault.New()
	case "aws":
		return awskms.New(ctx, awskms.Config{Region: os.Getenv("AWS_REGION")})
	default:
		return nil, fmt.Errorf("%w: unknown KMS provider %q", carevault.ErrInvalidConfiguration, provider)
	}
}

func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", carevault.ErrStorageUnavailable, err)
	}
	return db, nil
}
