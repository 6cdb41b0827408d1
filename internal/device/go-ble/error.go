package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/blemux/pkg/device"
)

// errLinkLost is the cause reported when a link drops without a disconnect request.
var errLinkLost = errors.New("connection lost")

// NormalizeError maps known go-ble error strings to structured device errors.
// The original error stays in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", &device.StateError{State: device.StatePoweredOff}, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", &device.StateError{State: device.StatePoweredOff}, err)
	case containsIgnoreCase(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", &device.StateError{State: device.StateUnauthorized}, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case errors.Is(err, ble.ErrNotImplemented):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

var attCodes = map[device.ATTResult]ble.ATTError{
	device.ATTSuccess:               ble.ErrSuccess,
	device.ATTInvalidHandle:         ble.ErrInvalidHandle,
	device.ATTReadNotPermitted:      ble.ErrReadNotPerm,
	device.ATTWriteNotPermitted:     ble.ErrWriteNotPerm,
	device.ATTInvalidOffset:         ble.ErrInvalidOffset,
	device.ATTRequestNotSupported:   ble.ErrReqNotSupp,
	device.ATTInsufficientResources: ble.ErrInsuffResources,
	device.ATTUnlikelyError:         ble.ErrUnlikely,
}

// toATTError converts a response result to the ATT status code sent on the air.
func toATTError(r device.ATTResult) ble.ATTError {
	if code, ok := attCodes[r]; ok {
		return code
	}
	return ble.ErrUnlikely
}
