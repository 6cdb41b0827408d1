package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blemux/internal/testutils"
	"github.com/srg/blemux/pkg/config"
	"github.com/srg/blemux/pkg/device"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "AA:BB:CC:DD:EE:01"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:02"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type callCounter interface {
	CallCount(method string) int
}

// CommandTestSuite runs commands against fake backends. Tests play the
// device side from a responder goroutine started with Respond.
type CommandTestSuite struct {
	suite.Suite

	Central    *testutils.FakeCentral
	Peripheral *testutils.FakePeripheral
	Manager    *testutils.FakeManager
	Out        *syncBuffer

	origCentral func(*config.Config, *logrus.Logger) (device.CentralManager, error)
	origManager func(*config.Config, *logrus.Logger) (device.PeripheralManager, error)
	responders  sync.WaitGroup
}

func (s *CommandTestSuite) SetupTest() {
	s.Central = testutils.NewFakeCentral()
	s.Peripheral = testutils.NewFakePeripheral(TestDeviceAddress1)
	s.Manager = testutils.NewFakeManager()
	s.Out = &syncBuffer{}

	s.origCentral, s.origManager = openCentral, openManager
	openCentral = func(*config.Config, *logrus.Logger) (device.CentralManager, error) {
		return s.Central, nil
	}
	openManager = func(*config.Config, *logrus.Logger) (device.PeripheralManager, error) {
		return s.Manager, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	s.responders.Wait()
	openCentral, openManager = s.origCentral, s.origManager
}

// ExecuteCommand runs the root command with args and returns stdout.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	return s.ExecuteCommandContext(context.Background(), nil, args...)
}

// ExecuteCommandContext runs the root command with ctx and stdin.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := newRootCmd()
	cmd.SetOut(s.Out)
	cmd.SetErr(io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return s.Out.String(), err
}

// Respond runs fn as the device side of the test.
func (s *CommandTestSuite) Respond(fn func()) {
	s.responders.Add(1)
	go func() {
		defer s.responders.Done()
		fn()
	}()
}

// Await waits until method was called n times on target.
func (s *CommandTestSuite) Await(target callCounter, method string, n int) bool {
	return s.Assert().Eventually(func() bool {
		return target.CallCount(method) >= n
	}, waitFor, tick, "%s MUST be called %d time(s)", method, n)
}

// AwaitOutput waits until stdout contains text.
func (s *CommandTestSuite) AwaitOutput(text string) bool {
	return s.Assert().Eventually(func() bool {
		return strings.Contains(s.Out.String(), text)
	}, waitFor, tick, "output MUST contain %q", text)
}

// ServeConnection accepts the connection to address and answers discovery
// of service with chars. Returns false when the command never got there.
func (s *CommandTestSuite) ServeConnection(address, service string, chars ...device.Characteristic) bool {
	if !s.Await(s.Central, "Connect", 1) {
		return false
	}
	s.Central.Delegate().DidConnect(address, s.Peripheral)

	if !s.Await(s.Peripheral, "DiscoverServices", 1) {
		return false
	}
	svcID := device.ServiceID(service)
	s.Peripheral.Delegate().DidDiscoverServices([]device.Service{{ID: svcID, UUID: service, Primary: true}}, nil)

	if !s.Await(s.Peripheral, "DiscoverCharacteristics", 1) {
		return false
	}
	s.Peripheral.Delegate().DidDiscoverCharacteristics(svcID, chars, nil)
	return true
}

// Characteristic builds a discovered characteristic of service.
func Characteristic(service, char string, props device.Property) device.Characteristic {
	return device.Characteristic{
		ID:         device.CharacteristicID(service, char),
		Service:    device.ServiceID(service),
		UUID:       char,
		Properties: props,
	}
}
