package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blemux/pkg/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was still
	// using it. device.ErrNotConnected is reported when it was never up.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns library errors into a message for the terminal.
func FormatUserError(err error) string {
	var (
		state    *device.StateError
		mismatch *device.SizeMismatchError
	)
	switch {
	case errors.As(err, &state):
		return fmt.Sprintf("Bluetooth is %s, turn it on and retry", state.State)
	case errors.Is(err, device.ErrScanInProgress):
		return "another scan is already running"
	case errors.Is(err, device.ErrAdvertisingInProgress):
		return "the adapter is already advertising"
	case errors.Is(err, device.ErrConflict):
		return fmt.Sprintf("attribute busy: %v", err)
	case errors.As(err, &mismatch):
		return fmt.Sprintf("packet of %d bytes exceeds the negotiated %d bytes, use --chunk %d or less",
			mismatch.Received, mismatch.Expected, mismatch.Expected)
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrDisconnected):
		return fmt.Sprintf("connection lost: %v", err)
	case errors.Is(err, device.ErrNotConnected):
		return fmt.Sprintf("device not connected: %v", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("not supported by this Bluetooth stack: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return err.Error()
	}
}
