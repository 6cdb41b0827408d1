package main

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blemux/internal/testutils"
	"github.com/srg/blemux/pkg/device"
)

type ScanTestSuite struct {
	CommandTestSuite
}

// advertise plays two peripherals, the first one twice with a stronger signal.
func (s *ScanTestSuite) advertise() {
	if !s.Await(s.Central, "ScanForPeripherals", 1) {
		return
	}
	d := s.Central.Delegate()
	d.DidDiscover(device.Advertisement{
		Address:     TestDeviceAddress1,
		LocalName:   "Heart",
		RSSI:        -60,
		Connectable: true,
		Services:    []string{"180d"},
	})
	d.DidDiscover(device.Advertisement{Address: TestDeviceAddress2, RSSI: -71})
	d.DidDiscover(device.Advertisement{
		Address:     TestDeviceAddress1,
		LocalName:   "Heart",
		RSSI:        -55,
		Connectable: true,
		Services:    []string{"180d"},
	})
}

func (s *ScanTestSuite) TestTextTable() {
	// GOAL: Verify scan lists each device once, in discovery order, with its latest advertisement
	//
	// TEST SCENARIO: Three advertisements from two devices → table with two rows → scan stopped

	s.Respond(s.advertise)

	out, err := s.ExecuteCommand("scan", "--duration", "300ms")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewTextAsserter(s.T()).Assert(out, `
ADDRESS            NAME   RSSI  CONNECTABLE  SERVICES
AA:BB:CC:DD:EE:01  Heart  -55   yes          180d
AA:BB:CC:DD:EE:02  -      -71   no           -

2 device(s) found
`)
	s.Equal(1, s.Central.CallCount("StopScan"), "scan MUST be stopped when the duration elapses")
}

func (s *ScanTestSuite) TestJSONOutput() {
	// GOAL: Verify --format json prints the deduplicated advertisements
	//
	// TEST SCENARIO: Three advertisements from two devices → JSON array of two objects

	s.Respond(s.advertise)

	out, err := s.ExecuteCommand("scan", "--duration", "300ms", "--format", "json")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{"address": "AA:BB:CC:DD:EE:01", "name": "Heart", "rssi": -55, "connectable": true, "services": ["180d"]},
		{"address": "AA:BB:CC:DD:EE:02", "rssi": -71, "connectable": false}
	]`)
}

func (s *ScanTestSuite) TestServiceFilterIsNormalized() {
	// GOAL: Verify --service UUIDs reach the central in normalized form
	//
	// TEST SCENARIO: Full SIG base UUID → 16-bit form passed to ScanForPeripherals

	out, err := s.ExecuteCommand("scan", "--duration", "50ms", "--service", "0000180D-0000-1000-8000-00805F9B34FB")
	s.Require().NoError(err)
	s.Contains(out, "No devices found")

	calls := s.Central.Calls("ScanForPeripherals")
	s.Require().Len(calls, 1)
	s.Equal([]string{"180d"}, calls[0].Args[0], "service filter MUST be normalized")
	s.Equal(false, calls[0].Args[1], "duplicates MUST be filtered by default")
}

func (s *ScanTestSuite) TestArgumentErrors() {
	// GOAL: Verify invalid flags fail before the adapter is touched
	//
	// TEST SCENARIO: Bad format or UUID → error → no scan started

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown format", args: []string{"scan", "--format", "xml"}, wantErr: "invalid format 'xml'"},
		{name: "bad service uuid", args: []string{"scan", "--service", "zz"}, wantErr: "invalid service UUID"},
		{name: "positional args", args: []string{"scan", "extra"}, wantErr: "unknown command"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.wantErr)
		})
	}
	s.Zero(s.Central.CallCount("ScanForPeripherals"), "invalid arguments MUST NOT start a scan")
}

func (s *ScanTestSuite) TestPoweredOff() {
	// GOAL: Verify scanning with the adapter off reports the adapter state
	//
	// TEST SCENARIO: Central powered off → StateError → user message asks to turn Bluetooth on

	s.Central.SetState(device.StatePoweredOff)

	_, err := s.ExecuteCommand("scan", "--duration", "100ms")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrManagerState)
	s.Contains(FormatUserError(err), "powered off", "message MUST name the adapter state")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
