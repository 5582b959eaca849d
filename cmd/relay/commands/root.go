// Package commands implements the relay command line: the server itself and
// small clients for its admin endpoints and lifecycle event stream.
package commands

import (
	"os"

	"github.com/agentuity/go-relay/api"
	"github.com/agentuity/go-relay/tui"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Pairwise WebSocket relay for end-to-end encrypted sessions",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error (env RELAY_LOG_LEVEL)")
	root.AddCommand(serveCmd(), statsCmd(), sessionsCmd(), watchCmd())
	return root
}

func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		tui.ShowError(os.Stderr, "%s", err)
		return err
	}
	return nil
}
