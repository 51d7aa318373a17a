package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// RootCmd is the headless peercall client.
var RootCmd = &cobra.Command{
	Use:   "peercall",
	Short: "Two-party WebRTC calls over a peercall relay",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	},
}

func init() {
	f := RootCmd.PersistentFlags()
	f.String("id", "", "identity announced to the relay")
	f.String("server", "ws://localhost:8080/ws", "relay websocket url")
	f.String("log-level", "info", "log level")
	f.Duration("ring-timeout", 0, "give up on unanswered calls after this long (0 keeps the configured value)")

	RootCmd.AddCommand(callCmd, listenCmd)
}
