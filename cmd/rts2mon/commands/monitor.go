package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream device value and state updates",
		Long:  "Connects to the device daemon, authenticates, and prints every V and S/B/R line until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := dialDevice(deviceAddr)
			if err != nil {
				return err
			}
			defer s.close()

			// Ctrl+C closes the socket to unblock the read loop.
			go func() {
				<-ctx.Done()
				s.close()
			}()

			print := func(line string) { fmt.Println(line) }
			if err := s.authenticate(clientID, authKey, print); err != nil {
				return err
			}
			for {
				line, err := s.next()
				if err != nil {
					// Socket teardown on Ctrl+C is expected, not an error.
					if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
						return nil
					}
					return err
				}
				if line == "T ready" {
					_ = s.send("T OK")
					continue
				}
				fmt.Println(line)
			}
		},
	}
}
