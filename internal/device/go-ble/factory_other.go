//go:build !darwin && !linux

package goble

import (
	"fmt"

	"github.com/go-ble/ble"

	"github.com/srg/blemux/pkg/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE host stack for this platform", device.ErrUnsupported)
}
