package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagActor  string
)

var rootCmd = &cobra.Command{
	Use:   "livesync",
	Short: "Live session client",
	Long: `livesync hosts or joins a live session against a Session backend.

Once connected, lines read from stdin are sent as chat messages. Lines
starting with a slash are commands:

  /camera on|off   /mic on|off   /background   /foreground
  /refresh         /heartbeat    /reconnect    /leave`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: $LIVESYNC_CONFIG, configs/config.yaml, config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagActor, "actor", "a", os.Getenv("LIVESYNC_ACTOR"), "local actor id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
