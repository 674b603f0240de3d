package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"raidstore/internal/config"
	"raidstore/internal/engine"
	"raidstore/internal/logging"
	"raidstore/internal/metadata"
	"raidstore/internal/storage"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "raidstore",
	Short: "Striped object storage with single-disk parity",
	Long: `raidstore splits every object into data fragments plus one XOR parity
fragment, one per disk, so that the loss of any single disk can be repaired
with the rebuild command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}

		logger, err = logging.Setup(os.Stderr, cfg.LogLevel)
		return err
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a config file (default ./config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("num-disks", 3, "number of disks, the last one holds parity")
	flags.String("upload-path", "/var/raid", "directory holding the disk directories")
	flags.String("folder-prefix", "block", "disk directory name prefix")
	flags.String("disk-roots", "", "comma separated disk roots, overrides upload-path and folder-prefix")
	flags.String("max-size", "10MiB", "largest accepted object")
	flags.String("metadata-path", "", "metadata database (default <upload-path>/metadata.sqlite)")
	flags.Int("verify-retries", 3, "parity write retries before giving up")
	flags.Duration("verify-backoff", 10*time.Millisecond, "base delay between parity write retries")
	flags.String("s3-access-key", "", "access key for s3:// disk roots")
	flags.String("s3-secret-key", "", "secret key for s3:// disk roots")
}

// openEngine opens the configured disks and metadata store. The returned
// function closes the metadata store.
func openEngine(ctx context.Context) (*engine.Engine, func() error, error) {
	disks, err := storage.OpenDiskSet(ctx, cfg.Roots(), storage.Credentials{
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open disks: %w", err)
	}

	meta, err := metadata.Open(ctx, cfg.MetadataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	e := engine.New(disks, meta,
		engine.WithMaxSize(cfg.MaxSize),
		engine.WithVerifyRetries(cfg.VerifyRetries, cfg.VerifyBackoff),
		engine.WithLogger(logger),
	)
	return e, meta.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("raidstore exited with error", "err", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}
