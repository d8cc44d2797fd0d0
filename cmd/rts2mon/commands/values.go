package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func valuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "values",
		Short: "Dump the device's value catalogue",
		Long:  "Connects to the device daemon, authenticates, runs info, and prints the meta-info block plus the current values.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := dialDevice(deviceAddr)
			if err != nil {
				return err
			}
			defer s.close()

			print := func(line string) { fmt.Println(line) }
			if err := s.authenticate(clientID, authKey, print); err != nil {
				return err
			}
			if err := s.command("info", print); err != nil {
				return err
			}
			return nil
		},
	}
}
