package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemux/pkg/config"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

type scanOptions struct {
	duration        time.Duration
	services        []string
	allowDuplicates bool
	format          string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Each device is listed once with its latest advertisement. The scan stops
after --duration (scan_timeout from --config by default) or on Ctrl+C.`,
		Example: `  blemux scan
  blemux scan --duration 30s --service 180d --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default scan_timeout)")
	cmd.Flags().StringSliceVarP(&opts.services, "service", "s", nil, "Only report devices advertising these service UUIDs")
	cmd.Flags().BoolVar(&opts.allowDuplicates, "allow-duplicates", false, "Report every advertisement, not only the first per device")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (text, json; default output_format)")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	var services []string
	if len(opts.services) > 0 {
		var err error
		if services, err = device.ValidateUUID(opts.services...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format := opts.format
	if format == "" {
		format = s.cfg.OutputFormat
	}
	if format != config.FormatText && format != config.FormatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, config.FormatText, config.FormatJSON)
	}
	duration := opts.duration
	if duration <= 0 {
		duration = s.cfg.ScanTimeout
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	cm, err := openCentral(s.cfg, s.logger)
	if err != nil {
		return err
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", duration)
	progress.Start()
	defer progress.Stop()

	ctx, cancel := context.WithTimeout(s.ctx, duration)
	defer cancel()

	seen := orderedmap.New[string, device.Advertisement]()
	adverts := stream.NewBuffer[device.Advertisement]()
	sub := s.client.Scan(cm, services, opts.allowDuplicates).Subscribe(adverts)
	defer sub.Cancel()

	for {
		adv, err := adverts.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return err
			}
			break
		}
		seen.Set(adv.Address, adv)
		progress.Update(fmt.Sprintf("%d found", seen.Len()))
	}
	sub.Cancel()
	progress.Stop()

	s.logger.WithField("devices", seen.Len()).Debug("Scan finished")

	results := make([]device.Advertisement, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		results = append(results, pair.Value)
	}
	if format == config.FormatJSON {
		return writeScanJSON(s.out, results)
	}
	return writeScanTable(s.out, results)
}

func writeScanJSON(w io.Writer, results []device.Advertisement) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func writeScanTable(w io.Writer, results []device.Advertisement) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tCONNECTABLE\tSERVICES")
	for _, adv := range results {
		name := adv.LocalName
		if name == "" {
			name = "-"
		}
		services := strings.Join(adv.Services, ",")
		if services == "" {
			services = "-"
		}
		connectable := "no"
		if adv.Connectable {
			connectable = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", adv.Address, name, adv.RSSI, connectable, services)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d device(s) found\n", len(results))
	return err
}
