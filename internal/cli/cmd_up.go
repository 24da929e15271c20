package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/tunnelroom/internal/config"
	"github.com/koltyakov/tunnelroom/internal/directory"
	"github.com/koltyakov/tunnelroom/internal/health"
	ilog "github.com/koltyakov/tunnelroom/internal/log"
	"github.com/koltyakov/tunnelroom/internal/room"
	"github.com/koltyakov/tunnelroom/internal/roomcache"
	"github.com/koltyakov/tunnelroom/internal/statusfeed"
	"github.com/koltyakov/tunnelroom/internal/store/sqlite"
	"github.com/koltyakov/tunnelroom/internal/supervisor"
	"github.com/koltyakov/tunnelroom/internal/tunnel"
)

func newUpCmd() *cobra.Command {
	cfg := config.DefaultUp()
	var configPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start a tunnel, publish its room code and keep it alive",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadLayered(cmd.Flags(), configPath, &cfg, config.DefaultUp); err != nil {
				return usageError(err)
			}
			if err := cfg.Validate(); err != nil {
				return usageError(err)
			}
			return runUp(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Local service port")
	addDirectoryFlags(fs, &cfg)
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "Room cache file (default ~/.tunnelroom/room.json)")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "Session journal database (empty disables)")
	fs.StringVar(&cfg.Binary, "cloudflared", cfg.Binary, "Tunnel binary")
	fs.StringVar(&cfg.URLPattern, "url-pattern", cfg.URLPattern, "Regexp matching the tunnel URL in the binary's output")
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "Max wait for the tunnel URL")
	fs.StringVar(&cfg.LivenessPath, "liveness-path", cfg.LivenessPath, "Liveness endpoint polled through the tunnel")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Liveness request timeout")
	fs.DurationVar(&cfg.CheckInterval, "check-interval", cfg.CheckInterval, "Delay between liveness checks")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Consecutive unreachable checks before giving up")
	fs.IntVar(&cfg.MaxEstablishAttempts, "max-establish-attempts", cfg.MaxEstablishAttempts, "Tunnel establishment attempts before giving up")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay between establishment attempts")
	fs.StringVar(&cfg.StatusListen, "status-listen", cfg.StatusListen, "Serve /status and /status/ws on this address")
	fs.IntVar(&cfg.ServicePID, "service-pid", cfg.ServicePID, "PID of the local service to stop on shutdown")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	return cmd
}

func addDirectoryFlags(fs *pflag.FlagSet, cfg *config.UpConfig) {
	fs.StringVar(&cfg.DirectoryURL, "directory-url", cfg.DirectoryURL, "Room directory base URL")
	fs.StringVar(&cfg.DirectoryToken, "directory-token", cfg.DirectoryToken, "Room directory auth token")
	fs.DurationVar(&cfg.DirectoryTimeout, "directory-timeout", cfg.DirectoryTimeout, "Room directory request timeout")
}

func newDirectoryClient(cfg config.UpConfig) (*directory.Client, error) {
	dir, err := directory.New(directory.Options{
		BaseURL:   cfg.DirectoryURL,
		AuthToken: cfg.DirectoryToken,
		Timeout:   cfg.DirectoryTimeout,
	})
	if err != nil {
		return nil, usageError(err)
	}
	return dir, nil
}

func runUp(ctx context.Context, cfg config.UpConfig, stdout, stderr io.Writer) error {
	logger := ilog.NewWithWriter(stderr, cfg.LogLevel)

	dir, err := newDirectoryClient(cfg)
	if err != nil {
		return err
	}
	launcher, err := tunnel.NewCommand(tunnel.Options{
		Binary:         cfg.Binary,
		URLPattern:     cfg.URLPattern,
		StartupTimeout: cfg.StartupTimeout,
	}, logger.With("component", "tunnel"))
	if err != nil {
		return usageError(err)
	}
	checker := health.NewChecker(cfg.LivenessPath, cfg.PingTimeout)

	sup := supervisor.New(supervisor.Options{
		LocalPort:            cfg.LocalPort,
		MaxEstablishAttempts: cfg.MaxEstablishAttempts,
		RetryDelay:           cfg.RetryDelay,
		CheckInterval:        cfg.CheckInterval,
		MaxRetries:           cfg.MaxRetries,
	}, supervisor.Deps{
		Launcher:  launcher,
		Rooms:     room.NewAllocator(dir, checker, logger.With("component", "rooms")),
		Directory: dir,
		Cache:     roomcache.New(cfg.CachePath),
		Pinger:    checker,
	}, logger)

	if cfg.JournalPath != "" {
		store, err := sqlite.Open(cfg.JournalPath)
		if err != nil {
			logger.Warn("session journal disabled", "path", cfg.JournalPath, "err", err)
		} else {
			defer func() { _ = store.Close() }()
			sup.SetJournal(store)
		}
	}
	if cfg.ServicePID > 0 {
		sup.SetLocalService(pidService{pid: cfg.ServicePID})
	}

	feed := statusfeed.New(logger.With("component", "status"))
	sup.SetObserver(func(s supervisor.Snapshot) { feed.Publish(s) })

	return superviseWithStatus(ctx, sup, feed, cfg.StatusListen, stdout, logger)
}

// superviseWithStatus runs the supervisor and, when addr is set, the status
// server side by side. Either one failing stops the other.
func superviseWithStatus(ctx context.Context, sup *supervisor.Supervisor, feed *statusfeed.Feed, addr string, stdout io.Writer, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if addr != "" {
		g.Go(func() error {
			return feed.ListenAndServe(gctx, addr)
		})
	}
	g.Go(func() error {
		defer stop()
		defer sup.Teardown()

		id, err := sup.Start(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		snap := sup.Snapshot()
		fmt.Fprintf(stdout, "Room code: %s\n", id)
		fmt.Fprintf(stdout, "Tunnel URL: %s\n", snap.URL)
		logger.Info("share the room code with your peers; press Ctrl+C to stop", "room_id", id, "session", sup.SessionID())

		return sup.Wait()
	})
	return g.Wait()
}
