package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/koltyakov/tunnelroom/internal/config"
	"github.com/koltyakov/tunnelroom/internal/domain"
	"github.com/koltyakov/tunnelroom/internal/health"
	"github.com/koltyakov/tunnelroom/internal/room"
)

type resolveOutput struct {
	RoomID       domain.RoomID `json:"room_id"`
	URL          string        `json:"url"`
	RegisteredAt time.Time     `json:"registered_at,omitzero"`
	Healthy      *bool         `json:"healthy,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func newResolveCmd() *cobra.Command {
	cfg := config.DefaultUp()
	var (
		configPath string
		noPing     bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <room>",
		Short: "Look up the tunnel URL published under a room code",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadLayered(cmd.Flags(), configPath, &cfg, config.DefaultUp); err != nil {
				return usageError(err)
			}
			id := domain.RoomID(strings.TrimSpace(args[0]))
			if !id.Valid() {
				return usageError(fmt.Errorf("invalid room code %q: expected five digits", args[0]))
			}
			dir, err := newDirectoryClient(cfg)
			if err != nil {
				return err
			}
			var ping room.Pinger
			if !noPing {
				ping = health.NewChecker(cfg.LivenessPath, cfg.PingTimeout)
			}

			res, err := room.NewResolver(dir, ping).Lookup(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := resolveOutput{RoomID: res.RoomID, URL: res.URL, RegisteredAt: res.RegisteredAt}
			if ping != nil {
				out.Healthy = &res.Healthy
				if res.PingErr != nil {
					out.Error = res.PingErr.Error()
				}
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Fprintln(w, out.URL)
			switch {
			case out.Healthy == nil:
			case *out.Healthy:
				fmt.Fprintln(cmd.ErrOrStderr(), "status: healthy")
			default:
				fmt.Fprintf(cmd.ErrOrStderr(), "status: unreachable (%s)\n", out.Error)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	addDirectoryFlags(fs, &cfg)
	fs.StringVar(&cfg.LivenessPath, "liveness-path", cfg.LivenessPath, "Liveness endpoint to check")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "Liveness request timeout")
	fs.BoolVar(&noPing, "no-ping", false, "Skip the liveness check")
	fs.BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
