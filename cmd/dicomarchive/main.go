// Command dicomarchive runs and operates a DICOM archive.
//
// Logging:
//   - Base logger is created here from --log-level and --component-level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yjsyyyjszf/dicom-server-1/cmd/dicomarchive/cli"
	"github.com/yjsyyyjszf/dicom-server-1/internal/app"
	"github.com/yjsyyyjszf/dicom-server-1/internal/config"
	configfile "github.com/yjsyyyjszf/dicom-server-1/internal/config/file"
	"github.com/yjsyyyjszf/dicom-server-1/internal/home"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	logger := logging.Discard()

	rootCmd := &cobra.Command{
		Use:           "dicomarchive",
		Short:         "DICOM archive core",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(cmd)
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("home", "", "home directory (default: platform config dir)")
	pf.String("config", "", "config file (default: <home>/config.yaml)")
	pf.String("index", "", "index backend: sqlite or memory")
	pf.String("blob", "", "content backend: file, memory, s3, azure or gcs")
	pf.String("metadata", "", "metadata backend: blob or pebble")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.StringSlice("component-level", nil, "per-component log level, e.g. reaper=debug (repeatable)")
	cli.AddOutputFlag(rootCmd)

	open := func(cmd *cobra.Command) (*app.Archive, error) {
		return openArchive(cmd, logger)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cleanup reaper and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			addr := a.Config().Observability.Addr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}
			logger.Info("serving", "addr", addr, "reaper", a.Config().Reaper.Schedule)
			return a.Serve(ctx, addr)
		},
	}
	serveCmd.Flags().String("addr", "", "metrics and health listen address; empty string disables it (default: from config)")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return initConfig(cmd, force)
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd)
	rootCmd.AddCommand(cli.Commands(open)...)
	return rootCmd
}

// newLogger builds the base logger. All levels reach the filter handler,
// which applies the default and per-component levels.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	overrides, _ := cmd.Flags().GetStringSlice("component-level")

	level, err := logging.ParseLevel(levelFlag)
	if err != nil {
		return nil, err
	}
	baseHandler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, level)
	if err := logging.ApplyComponentLevels(filterHandler, overrides); err != nil {
		return nil, err
	}
	return slog.New(filterHandler), nil
}

func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

// loadConfig resolves the home directory and reads the config file, then
// applies the backend flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, home.Dir, *configfile.Store, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return config.Config{}, home.Dir{}, nil, fmt.Errorf("resolve home directory: %w", err)
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = hd.ConfigPath()
	}
	store := configfile.NewStore(path)
	cfg, _, err := store.Load()
	if err != nil {
		return config.Config{}, home.Dir{}, nil, err
	}

	for flag, field := range map[string]*string{
		"index":    &cfg.Index.Type,
		"blob":     &cfg.Blob.Type,
		"metadata": &cfg.Metadata.Type,
	} {
		if cmd.Flags().Changed(flag) {
			*field, _ = cmd.Flags().GetString(flag)
		}
	}
	return cfg, hd, store, nil
}

func openArchive(cmd *cobra.Command, logger *slog.Logger) (*app.Archive, error) {
	cfg, hd, store, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if app.NeedsHome(cfg) {
		id, err := archiveID(hd)
		if err != nil {
			return nil, err
		}
		logger = logger.With("archive", id)
		logger.Debug("home directory", "path", hd.Root(), "config", store.Path())
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return app.Open(ctx, app.Options{Config: cfg, Home: hd, Logger: logger})
}

func archiveID(hd home.Dir) (string, error) {
	if err := hd.EnsureExists(); err != nil {
		return "", err
	}
	return hd.ArchiveID()
}

func initConfig(cmd *cobra.Command, force bool) error {
	cfg, _, store, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(store.Path()); statErr == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", store.Path())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := store.Save(cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), store.Path())
	return nil
}
