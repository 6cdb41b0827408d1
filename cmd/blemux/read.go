package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blemux/pkg/stream"
)

type readOptions struct {
	hex bool
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <device-address> <service-uuid> <char-uuid>",
		Short: "Read a characteristic value",
		Long: fmt.Sprintf(`Connects to a device, discovers one characteristic and reads its value.

Examples:
  # Read Battery Level
  blemux read %s 180f 2a19 --hex

%s`, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, opts, args[0], args[1], args[2])
		},
	}
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	return cmd
}

func runRead(cmd *cobra.Command, opts *readOptions, address, service, char string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading %s from %s", char, address))
	progress.Update("connecting")
	progress.Start()
	defer progress.Stop()

	l, err := s.connect(address)
	if err != nil {
		return err
	}
	defer l.Close()

	progress.Update("discovering")
	c, err := s.resolve(l, service, char)
	if err != nil {
		return err
	}

	progress.Update("reading")
	value, err := stream.First(s.ctx, s.client.Read(l, c.ID))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.ID, err)
	}
	progress.Stop()

	s.logger.WithField("bytes", len(value.Data)).Debug("Read complete")
	if opts.hex {
		_, err = fmt.Fprintln(s.out, strings.ToUpper(hex.EncodeToString(value.Data)))
		return err
	}
	_, err = s.out.Write(value.Data)
	return err
}
