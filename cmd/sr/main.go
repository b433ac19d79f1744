// Serenity CLI - inspect and manage personalization profiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/serenity/serenity/internal/config"
	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/ledger"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/storage"
)

var version = "0.1.0"

// cli holds the state shared by all commands
type cli struct {
	configPath string
	dataDir    string

	in io.Reader

	cfg   *config.Config
	ids   *identity.Deriver
	store *storage.ProfileStore
}

func main() {
	if err := newRootCmd(os.Stdin).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader) *cobra.Command {
	c := &cli{in: in}

	rootCmd := &cobra.Command{
		Use:   "sr",
		Short: "Serenity - personalized AI therapy",
		Long: `sr manages the personalization profiles kept by the Serenity daemon.

Profiles are stored per user under a hashed identifier. Raw user
identifiers are accepted on the command line and never written to disk.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setup()
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "data directory (overrides config)")

	rootCmd.AddCommand(profileCmd(c))
	rootCmd.AddCommand(consentCmd(c))
	rootCmd.AddCommand(moodCmd(c))
	rootCmd.AddCommand(sessionsCmd(c))
	rootCmd.AddCommand(checkinsCmd(c))
	rootCmd.AddCommand(auditCmd(c))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func (c *cli) setup() error {
	path := c.configPath
	if path == "" && c.dataDir != "" {
		path = filepath.Join(c.dataDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}

	// Keep command output clean; profile operations log at INFO
	logging.SetLevel(logging.WARN)

	ids, err := identity.NewDeriver(cfg.Privacy.IdentifierSalt, cfg.Privacy.IdentifierLength)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.ids = ids
	c.store = storage.NewProfileStore(cfg.ProfilesDir(), ids, nil)
	return nil
}

// withEngine runs fn against an engine whose consent changes and
// deletions are written to the audit ledger
func (c *cli) withEngine(ctx context.Context, fn func(*personalization.Engine) error) error {
	return c.mutate(ctx, func(engine *personalization.Engine, _ *storage.DB) error {
		return fn(engine)
	})
}

// mutate holds the data directory lock around fn. A running daemon owns
// the profiles through its cache, so changes are refused while it holds
// the lock; they have to go through its API instead.
func (c *cli) mutate(ctx context.Context, fn func(*personalization.Engine, *storage.DB) error) error {
	lock, err := storage.LockDataDir(c.cfg.DataDir)
	if err != nil {
		if errors.Is(err, core.ErrDataDirLocked) {
			return fmt.Errorf("%w; stop the daemon or use its API", err)
		}
		return err
	}
	defer lock.Unlock()

	db, err := c.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := personalization.NewEngine(c.store, personalization.WithAuditor(c.recorder(db)))
	return fn(engine, db)
}

func (c *cli) recorder(db *storage.DB) *ledger.Recorder {
	return ledger.NewRecorder(ledger.NewStore(db, nil), ledger.ActorCLI)
}

// openDB opens the daemon's database. Migrations are applied so a fresh
// data directory works.
func (c *cli) openDB(ctx context.Context) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{Path: c.cfg.DatabasePath()})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Serenity %s\n", version)
		},
	}
}
