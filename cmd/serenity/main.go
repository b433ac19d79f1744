// Serenity Daemon - personalized tele-therapy backend
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/serenity/serenity/internal/api"
	"github.com/serenity/serenity/internal/config"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/ledger"
	"github.com/serenity/serenity/internal/llm"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/storage"
	"github.com/serenity/serenity/internal/therapy"
)

var (
	configPath string
	dataDir    string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "serenity",
		Short: "Serenity Daemon - personalized AI therapy sessions",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (JSON or .toml; default <data-dir>/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	logging.Info("Starting Serenity (data dir %s)", cfg.DataDir)

	ids, err := identity.NewDeriver(cfg.Privacy.IdentifierSalt, cfg.Privacy.IdentifierLength)
	if err != nil {
		return fmt.Errorf("identifier setup: %w", err)
	}
	if !ids.Salted() {
		logging.Warn("No identifier salt configured; profile keys are plain SHA-256 prefixes")
	}

	// The profile cache is authoritative while we run; sr refuses changes
	// until the lock is released
	lock, err := storage.LockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database
	db, err := storage.Open(storage.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	// Personalization
	observer, err := personalization.NewPrometheusObserver("serenity", prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}
	audit := ledger.NewStore(db, nil)
	profiles := storage.NewProfileStore(cfg.ProfilesDir(), ids, nil)
	engine := personalization.NewEngine(profiles,
		personalization.WithObserver(observer),
		personalization.WithAuditor(ledger.NewRecorder(audit, ledger.ActorAPI)),
	)

	// Response model
	completer, err := llm.NewCompleter(cfg.LLM)
	if err != nil {
		return err
	}
	if completer == nil {
		logging.Warn("No %s API key configured - replies come from the demo responder", cfg.LLM.Provider)
	} else {
		logging.Info("Using %s model %s", cfg.LLM.Provider, cfg.LLM.Model)
	}
	history, err := llm.NewHistory(cfg.LLM.HistoryMessages, cfg.LLM.HistorySessions)
	if err != nil {
		return err
	}
	responder := llm.NewService(completer, history)

	hub := api.NewWebSocketHub()
	sessions := therapy.NewService(db, engine, responder, ids, therapy.WithNotifier(hub))

	server := api.New(api.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Engine:  engine,
		Therapy: sessions,
		Hub:     hub,
		Audit:   audit,
		IDs:     ids,
	})

	sched, err := newMaintenance(cfg.Maintenance, engine, audit)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sched.Stop()
		if err := server.Stop(shutdownCtx); err != nil {
			logging.Error("Server shutdown: %v", err)
		}
		if err := engine.Flush(shutdownCtx); err != nil {
			return fmt.Errorf("flush profiles: %w", err)
		}
		logging.Info("Flushed %d cached profiles", engine.Cached())
		return nil
	})

	return g.Wait()
}
