package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koltyakov/tunnelroom/internal/config"
	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/roomcache"
)

func newReleaseCmd() *cobra.Command {
	cfg := config.DefaultUp()
	var configPath string

	cmd := &cobra.Command{
		Use:   "release [room]",
		Short: "Remove a room from the directory (defaults to the cached room)",
		Long: `release deletes a room's directory entry. Without an argument it releases
the room recorded in the local cache and clears the cache.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadLayered(cmd.Flags(), configPath, &cfg, config.DefaultUp); err != nil {
				return usageError(err)
			}
			cache := roomcache.New(cfg.CachePath)

			var (
				id        domain.RoomID
				fromCache bool
			)
			if len(args) == 1 {
				id = domain.RoomID(strings.TrimSpace(args[0]))
				if !id.Valid() {
					return usageError(fmt.Errorf("invalid room code %q: expected five digits", args[0]))
				}
			} else {
				rec, err := cache.Load()
				if errors.Is(err, os.ErrNotExist) {
					return usageError(errors.New("no cached room; pass a room code"))
				}
				if err != nil {
					return err
				}
				id, fromCache = rec.RoomID, true
			}

			dir, err := newDirectoryClient(cfg)
			if err != nil {
				return err
			}
			if err := dir.Delete(cmd.Context(), id); err != nil {
				return &domain.RoomError{RoomID: id, Op: "release", Err: err}
			}
			if fromCache {
				if err := cache.Clear(); err != nil {
					return fmt.Errorf("clear room cache: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released room %s\n", id)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	addDirectoryFlags(fs, &cfg)
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "Room cache file (default ~/.tunnelroom/room.json)")
	return cmd
}
