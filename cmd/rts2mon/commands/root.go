package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// deviceAddr is the device daemon address (host:port).
	deviceAddr string

	// clientID is the centrald-issued client id presented during auth.
	clientID int

	// authKey is the centrald-issued key presented during auth.
	authKey int
)

// rootCmd is the top-level cobra command for rts2mon.
var rootCmd = &cobra.Command{
	Use:   "rts2mon",
	Short: "Line-protocol client for RTS2 device daemons",
	Long:  "rts2mon connects to a device daemon over the RTS2 line protocol to inspect and watch its values.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&deviceAddr, "addr", "localhost:5000",
		"device daemon address (host:port)")
	rootCmd.PersistentFlags().IntVar(&clientID, "id", 1,
		"centrald-issued client id")
	rootCmd.PersistentFlags().IntVar(&authKey, "key", 0,
		"centrald-issued authorization key")

	rootCmd.AddCommand(valuesCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
