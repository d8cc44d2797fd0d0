package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/mates14/rts2go/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print rts2mon build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("rts2mon"))
		},
	}
}
