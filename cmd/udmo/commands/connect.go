package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/tunnel"
)

var pingOnly bool

// connect <remote-addr> <key-file>: handshake with the serving side,
// launch mosh-client against the relayed key, bridge its datagrams.
// With --profile the remote address may come from the profile instead:
// connect <key-file> --profile tunnel.json.
func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [remote-addr] <key-file>",
		Short: "Connect to a serving endpoint and run mosh-client",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			prof, err := loadProfile()
			if err != nil {
				return err
			}

			addr := prof.RemoteAddr
			keyFile := args[len(args)-1]
			if len(args) == 2 {
				addr = args[0]
			}
			if addr == "" {
				return fmt.Errorf("remote address required (positional or via --profile)")
			}

			key, err := keys.LoadStatic(keyFile)
			if err != nil {
				return err
			}
			remote, err := tunnel.ResolveAddr(ctx, addr, ipv4Only, ipv6Only)
			if err != nil {
				return err
			}

			cli, err := tunnel.NewClient(tunnel.ClientConfig{
				RemoteAddr:        remote,
				Key:               key,
				MTU:               prof.MTU,
				HandshakeAttempts: prof.HandshakeAttempts,
				RetryInterval:     prof.RetryInterval.Duration,
				KeepaliveInterval: prof.KeepaliveInterval.Duration,
				LivenessTimeout:   prof.LivenessTimeout.Duration,
				Collaborator:      tunnel.LaunchMoshClient,
				Logger:            log,
			})
			if err != nil {
				return err
			}
			defer cli.Close()

			if pingOnly {
				rtt, err := cli.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("reply from %s: rtt=%s\n", remote, rtt)
				return nil
			}
			return cli.Run(ctx)
		},
	}
	addFamilyFlags(cmd)
	cmd.Flags().StringVar(&profilePath, "profile", "", "JSON profile with tunnel settings")
	cmd.Flags().BoolVar(&pingOnly, "ping", false, "measure reachability and exit")
	return cmd
}
