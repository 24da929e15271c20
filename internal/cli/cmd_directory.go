package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koltyakov/tunnelroom/internal/auth"
	"github.com/koltyakov/tunnelroom/internal/config"
	"github.com/koltyakov/tunnelroom/internal/dirserver"
	ilog "github.com/koltyakov/tunnelroom/internal/log"
	"github.com/koltyakov/tunnelroom/internal/store/sqlite"
)

func newDirectoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Run or manage a self-hosted room directory",
	}
	cmd.AddCommand(newDirectoryServeCmd(), newDirectoryTokenCmd())
	return cmd
}

func newDirectoryServeCmd() *cobra.Command {
	cfg := config.DefaultDirectoryServer()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a room directory backed by SQLite",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadLayered(cmd.Flags(), configPath, &cfg, config.DefaultDirectoryServer); err != nil {
				return usageError(err)
			}
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}
			logger := ilog.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)

			store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
				MaxOpenConns: cfg.DBMaxConns,
				MaxIdleConns: cfg.DBMaxConns,
			})
			if err != nil {
				return fmt.Errorf("open directory db: %w", err)
			}
			defer func() { _ = store.Close() }()
			if n, err := store.CountRooms(cmd.Context()); err == nil {
				logger.Info("directory loaded", "db", cfg.DBPath, "rooms", n)
			}

			srv := dirserver.New(dirserver.Config{
				Listen:       cfg.Listen,
				AuthToken:    cfg.AuthToken,
				PrivateReads: cfg.PrivateReads,
			}, store, logger)
			return srv.Run(cmd.Context())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxConns, "db-max-conns", cfg.DBMaxConns, "Max open SQLite connections")
	fs.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Token required for writes (empty allows anyone)")
	fs.BoolVar(&cfg.PrivateReads, "private-reads", cfg.PrivateReads, "Require the token for reads too")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	return cmd
}

func newDirectoryTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a random directory auth token",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
