package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
	"github.com/srg/blemux/pkg/transfer"
)

// errTransferEnded is returned to a producer still writing after the
// transfer completed.
var errTransferEnded = errors.New("transfer ended before input was consumed")

type writeOptions struct {
	hex             bool
	withoutResponse bool
	stdin           bool
	chunk           int
}

func newWriteCmd() *cobra.Command {
	opts := &writeOptions{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <service-uuid> <char-uuid> [data]",
		Short: "Write a value to a characteristic",
		Long: fmt.Sprintf(`Writes data of any length to a characteristic.

The payload is split into chunks of the negotiated write length. With
--stdin the input is streamed as it arrives; when the device falls
behind, the oldest queued chunks are dropped and reported.

Examples:
  # Write raw bytes
  blemux write %s 180d 2a39 hello

  # Write hex
  blemux write %s 180d 2a39 "01 FF" --hex

  # Stream a file in 64-byte chunks without acknowledgments
  blemux write %s 1234 5678 --stdin --chunk 64 --without-response < firmware.bin

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().BoolVar(&opts.withoutResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "Stream data from standard input")
	cmd.Flags().IntVar(&opts.chunk, "chunk", 0, "Force writes into N-byte chunks; default chunk_size, then the negotiated length")
	return cmd
}

func runWrite(cmd *cobra.Command, opts *writeOptions, args []string) error {
	address, service, char := args[0], args[1], args[2]

	switch {
	case opts.stdin && len(args) == 4:
		return fmt.Errorf("data argument and --stdin are mutually exclusive")
	case !opts.stdin && len(args) < 4:
		return fmt.Errorf("data required: provide as fourth argument or use --stdin")
	case opts.chunk < 0:
		return fmt.Errorf("--chunk must be >= 0")
	case opts.hex && opts.stdin:
		return fmt.Errorf("--hex cannot be combined with --stdin")
	}

	var data []byte
	if !opts.stdin {
		var err error
		if data, err = parseWriteData(args[3], opts.hex); err != nil {
			return err
		}
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Writing %s on %s", char, address))
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
	mode := writeMode(c, opts.withoutResponse)

	chunk := opts.chunk
	if chunk == 0 {
		chunk = s.cfg.Transfer.ChunkSize
	}

	var (
		result writeResult
		werr   error
	)
	if opts.stdin || chunk > 0 {
		src := cmd.InOrStdin()
		if !opts.stdin {
			src = strings.NewReader(string(data))
		}
		if chunk == 0 {
			chunk = l.MaximumWriteValueLength(c.ID, mode)
		}
		result, werr = s.streamWrite(l, c.ID, mode, chunk, src, progress)
	} else {
		result, werr = s.fixedWrite(l, c.ID, mode, data, progress)
	}
	progress.Stop()
	if werr != nil {
		return werr
	}

	s.logger.WithFields(logrus.Fields{
		"target": c.ID,
		"mode":   mode,
		"bytes":  result.sent,
		"chunks": result.chunks,
	}).Info("Write complete")

	fmt.Fprintf(s.out, "Wrote %d bytes in %d chunk(s) (%s)\n", result.sent, result.chunks, mode)
	if result.overwritten > 0 {
		fmt.Fprintf(s.out, "Dropped %d chunk(s): device could not keep up\n", result.overwritten)
	}
	return nil
}

// writeMode picks acknowledged writes unless disabled or not offered.
func writeMode(c device.Characteristic, withoutResponse bool) device.WriteMode {
	if withoutResponse {
		return device.WithoutResponse
	}
	if !c.Properties.Has(device.PropWrite) && c.Properties.Has(device.PropWriteWithoutResponse) {
		return device.WithoutResponse
	}
	return device.WithResponse
}

func parseWriteData(dataStr string, isHex bool) ([]byte, error) {
	if isHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}

type writeResult struct {
	sent        int
	chunks      int
	overwritten int64
}

// follow subscribes to a transfer and waits for its end.
func (s *session) follow(out *stream.Stream[device.Progress], onProgress func(device.Progress)) (writeResult, error) {
	var (
		mu     sync.Mutex
		result writeResult
	)
	done := make(chan error, 1)
	sub := out.Subscribe(stream.Funcs[device.Progress]{
		OnNext: func(p device.Progress) {
			mu.Lock()
			result.sent, result.chunks = p.Sent, p.Chunk
			mu.Unlock()
			if onProgress != nil {
				onProgress(p)
			}
		},
		OnComplete: func(err error) {
			done <- err
		},
	})
	defer sub.Cancel()

	select {
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		return result, err
	case <-s.ctx.Done():
		return writeResult{}, s.ctx.Err()
	}
}

func (s *session) fixedWrite(p device.Peripheral, attr device.AttributeID, mode device.WriteMode, data []byte, progress *ProgressPrinter) (writeResult, error) {
	var out *stream.Stream[device.Progress]
	if mode == device.WithoutResponse {
		out = s.client.WriteWithoutResponse(p, attr, data)
	} else {
		out = s.client.Write(p, attr, data)
	}
	return s.follow(out, func(pr device.Progress) {
		progress.Update(fmt.Sprintf("%d/%d bytes", pr.Sent, len(data)))
	})
}

// streamWrite pumps src through a feed while the transfer runs. The producer
// is held back once a full feed worth of bytes is waiting to be sent.
func (s *session) streamWrite(p device.Peripheral, attr device.AttributeID, mode device.WriteMode, unit int, src io.Reader, progress *ProgressPrinter) (writeResult, error) {
	feed, err := transfer.NewFeed(s.cfg.Transfer.FeedCapacity, s.logger)
	if err != nil {
		return writeResult{}, err
	}
	chunker, err := transfer.NewChunker(feed, unit, mode)
	if err != nil {
		return writeResult{}, err
	}
	paced := newPacedWriter(chunker, int(feed.Cap())*unit)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	groutine.Go(ctx, "write-producer", func(ctx context.Context) {
		if _, err := io.Copy(paced, src); err != nil {
			chunker.Abort(err)
			return
		}
		if err := chunker.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing chunker failed")
		}
	})

	result, err := s.follow(s.client.WritePackets(p, attr, feed), func(pr device.Progress) {
		// Dropped chunks never show up in Sent.
		paced.advance(pr.Sent + int(feed.Metrics().Overwritten)*unit)
		progress.Update(fmt.Sprintf("%d bytes", pr.Sent))
	})
	paced.finish(err)
	result.overwritten = feed.Metrics().Overwritten
	return result, err
}

// pacedWriter blocks writes while more than window bytes are unsent.
type pacedWriter struct {
	w      io.Writer
	window int

	mu      sync.Mutex
	cond    *sync.Cond
	written int
	sent    int
	done    bool
	err     error
}

func newPacedWriter(w io.Writer, window int) *pacedWriter {
	pw := &pacedWriter{w: w, window: window}
	pw.cond = sync.NewCond(&pw.mu)
	return pw
}

func (pw *pacedWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		pw.mu.Lock()
		for !pw.done && pw.written-pw.sent >= pw.window {
			pw.cond.Wait()
		}
		if pw.done {
			err := pw.err
			pw.mu.Unlock()
			if err == nil {
				err = errTransferEnded
			}
			return n, err
		}
		take := min(len(p), pw.window-(pw.written-pw.sent))
		pw.written += take
		pw.mu.Unlock()

		m, err := pw.w.Write(p[:take])
		n += m
		if err != nil {
			return n, err
		}
		p = p[take:]
	}
	return n, nil
}

func (pw *pacedWriter) advance(sent int) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.sent = sent
	pw.cond.Broadcast()
}

func (pw *pacedWriter) finish(err error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.done = true
	pw.err = err
	pw.cond.Broadcast()
}
