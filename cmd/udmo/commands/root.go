// Package commands wires the CLI surface: serve and connect run the
// two tunnel roles, keygen mints static keys, profile converts shared
// connection profiles.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/udmo/udmo/commons/logger"
)

var (
	logLevel string
	log      *slog.Logger

	ipv4Only    bool
	ipv6Only    bool
	profilePath string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "udmo",
		Short:         "Authenticated UDP rendezvous tunnel for mosh",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log = logger.Setup(logLevel)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd(), connectCmd(), keygenCmd(), profileCmd())
	return root.Execute()
}

func addFamilyFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&ipv4Only, "ipv4", "4", false, "use IPv4 only")
	cmd.Flags().BoolVarP(&ipv6Only, "ipv6", "6", false, "use IPv6 only")
}
