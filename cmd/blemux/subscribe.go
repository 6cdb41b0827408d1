package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

type subscribeOptions struct {
	count int
	hex   bool
}

func newSubscribeCmd() *cobra.Command {
	opts := &subscribeOptions{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <service-uuid> <char-uuid>",
		Short: "Print notifications of a characteristic",
		Long: fmt.Sprintf(`Enables notifications on a characteristic and prints each value on its
own line until --count values arrived, the device disconnects or Ctrl+C.

Examples:
  # Follow Heart Rate Measurement
  blemux subscribe %s 180d 2a37 --hex

  # Stop after 10 values
  blemux subscribe %s 180d 2a37 --count 10

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, opts, args[0], args[1], args[2])
		},
	}
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "Stop after N notifications (0 for unlimited)")
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Print values as hex strings; raw bytes by default")
	return cmd
}

func runSubscribe(cmd *cobra.Command, opts *subscribeOptions, address, service, char string) error {
	if opts.count < 0 {
		return fmt.Errorf("--count must be >= 0")
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	l, err := s.connect(address)
	if err != nil {
		return err
	}
	defer l.Close()

	c, err := s.resolve(l, service, char)
	if err != nil {
		return err
	}
	if !c.Properties.Has(device.PropNotify) && !c.Properties.Has(device.PropIndicate) {
		return fmt.Errorf("%w: %s does not support notifications", device.ErrUnsupported, c.ID)
	}

	values := stream.NewBuffer[device.Value]()
	sub := s.client.Notifications(l, c.ID).Subscribe(values)
	defer sub.Cancel()

	s.logger.WithField("target", c.ID).Info("Subscribed")

	received := 0
	for opts.count == 0 || received < opts.count {
		v, err := values.Recv(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		received++
		if err := printValue(s.out, v.Data, opts.hex); err != nil {
			return err
		}
	}
	return nil
}

func printValue(w io.Writer, data []byte, asHex bool) error {
	if asHex {
		_, err := fmt.Fprintln(w, strings.ToUpper(hex.EncodeToString(data)))
		return err
	}
	_, err := fmt.Fprintf(w, "%s\n", data)
	return err
}
