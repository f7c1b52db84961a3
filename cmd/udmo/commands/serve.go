package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/profile"
	"github.com/udmo/udmo/tunnel"
)

// serve <listen-addr> <key-file>: answer handshakes, launch
// mosh-server per establishment, bridge its datagrams.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <listen-addr> <key-file>",
		Short: "Serve the tunnel endpoint in front of mosh-server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			prof, err := loadProfile()
			if err != nil {
				return err
			}
			key, err := keys.LoadStatic(args[1])
			if err != nil {
				return err
			}
			listen, err := tunnel.ResolveAddr(ctx, args[0], ipv4Only, ipv6Only)
			if err != nil {
				return err
			}

			srv, err := tunnel.NewServer(tunnel.ServerConfig{
				ListenAddr:      listen,
				Key:             key,
				MTU:             prof.MTU,
				LivenessTimeout: prof.LivenessTimeout.Duration,
				ReplayCacheSize: prof.ReplayCacheSize,
				RateLimitPPS:    prof.RateLimitPPS,
				RateLimitBurst:  prof.RateLimitBurst,
				Collaborator:    tunnel.LaunchMoshServer,
				Logger:          log,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	addFamilyFlags(cmd)
	cmd.Flags().StringVar(&profilePath, "profile", "", "JSON profile with tunnel settings")
	return cmd
}

// loadProfile reads the --profile file, or yields defaults when none
// was given.
func loadProfile() (profile.Profile, error) {
	if profilePath == "" {
		return profile.Profile{}.WithDefaults(), nil
	}
	return profile.Load(profilePath)
}
