package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/config"
	"github.com/BTreeMap/TravelDiary/internal/store"
)

type commandContext struct {
	envFile    string
	configFile string
	logLevel   string
	stateDir   string
	dsn        string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(c.envFile)
		if err != nil {
			c.configErr = err
			return
		}
		if v := strings.TrimSpace(c.stateDir); v != "" {
			// Default SQLite files follow the state directory.
			if cfg.DatabaseURL == filepath.Join(cfg.StateDir, config.DefaultDBFileName) {
				cfg.DatabaseURL = ""
			}
			if cfg.WhatsmeowDSN == filepath.Join(cfg.StateDir, config.DefaultWhatsmeowDBFileName) {
				cfg.WhatsmeowDSN = ""
			}
			cfg.StateDir = v
		}
		if v := strings.TrimSpace(c.dsn); v != "" {
			cfg.DatabaseURL = v
		}
		if v := strings.TrimSpace(c.logLevel); v != "" {
			cfg.LogLevel = v
		}
		if err := cfg.ApplyFile(strings.TrimSpace(c.configFile)); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// openStore opens the configured backend, creating SQLite directories first.
func (c *commandContext) openStore() (store.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// catalog returns the configured achievement catalog, or the embedded one.
func (c *commandContext) catalog() (*achievement.Catalog, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.File.CatalogPath == "" {
		return achievement.DefaultCatalog()
	}
	cat, err := achievement.LoadCatalogFile(cfg.File.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", cfg.File.CatalogPath, err)
	}
	slog.Debug("Loaded achievement catalog", "path", cfg.File.CatalogPath, "rules", cat.Len())
	return cat, nil
}

// initializeLogger installs a text slog handler at the configured level.
func initializeLogger(level string) error {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "traveldiary",
		Short:         "Conversational travel diary",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			return initializeLogger(cfg.LogLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cc.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVarP(&cc.configFile, "config", "c", "", "TOML configuration file (overrides $TRAVELDIARY_CONFIG_FILE)")
	flags.StringVar(&cc.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides $TRAVELDIARY_LOG_LEVEL)")
	flags.StringVar(&cc.stateDir, "state-dir", "", "state directory (overrides $TRAVELDIARY_STATE_DIR)")
	flags.StringVar(&cc.dsn, "db", "", "database DSN or SQLite path (overrides $TRAVELDIARY_DATABASE_URL)")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newAchievementsCommand(cc))
	rootCmd.AddCommand(newCatalogCommand(cc))
	rootCmd.AddCommand(newPremiumCommand(cc))

	return rootCmd
}
