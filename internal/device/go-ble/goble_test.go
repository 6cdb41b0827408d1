package goble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blemux/internal/testutils"
	"github.com/srg/blemux/internal/testutils/mocks"
	"github.com/srg/blemux/pkg/device"
)

const waitFor = 2 * time.Second

// callbacks records delegate calls of all three delegate interfaces.
type callbacks struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
}

func (c *callbacks) add(name string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	c.args = append(c.args, args)
}

func (c *callbacks) find(name string) ([]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.calls {
		if n == name {
			return c.args[i], true
		}
	}
	return nil, false
}

func (c *callbacks) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		if v == name {
			n++
		}
	}
	return n
}

// central delegate
func (c *callbacks) DidUpdateState(s device.ManagerState) { c.add("DidUpdateState", s) }
func (c *callbacks) DidDiscover(adv device.Advertisement) { c.add("DidDiscover", adv) }
func (c *callbacks) DidConnect(addr string, p device.Peripheral) { c.add("DidConnect", addr, p) }
func (c *callbacks) DidFailToConnect(addr string, err error) { c.add("DidFailToConnect", addr, err) }
func (c *callbacks) DidDisconnect(addr string, err error) { c.add("DidDisconnect", addr, err) }

// peripheral delegate
func (c *callbacks) DidUpdateName(name string) { c.add("DidUpdateName", name) }
func (c *callbacks) DidModifyServices(inv []device.Service) { c.add("DidModifyServices", inv) }
func (c *callbacks) DidDiscoverServices(s []device.Service, err error) {
	c.add("DidDiscoverServices", s, err)
}
func (c *callbacks) DidDiscoverIncludedServices(svc device.AttributeID, inc []device.Service, err error) {
	c.add("DidDiscoverIncludedServices", svc, inc, err)
}
func (c *callbacks) DidDiscoverCharacteristics(svc device.AttributeID, ch []device.Characteristic, err error) {
	c.add("DidDiscoverCharacteristics", svc, ch, err)
}
func (c *callbacks) DidDiscoverDescriptors(ch device.AttributeID, ds []device.Descriptor, err error) {
	c.add("DidDiscoverDescriptors", ch, ds, err)
}
func (c *callbacks) DidUpdateValue(attr device.AttributeID, v []byte, err error) {
	c.add("DidUpdateValue", attr, v, err)
}
func (c *callbacks) DidWriteValue(attr device.AttributeID, err error) { c.add("DidWriteValue", attr, err) }
func (c *callbacks) DidUpdateNotificationState(attr device.AttributeID, on bool, err error) {
	c.add("DidUpdateNotificationState", attr, on, err)
}
func (c *callbacks) DidReadRSSI(rssi int, err error) { c.add("DidReadRSSI", rssi, err) }
func (c *callbacks) IsReadyToSendWriteWithoutResponse() { c.add("IsReadyToSendWriteWithoutResponse") }
func (c *callbacks) DidOpenL2CAPChannel(psm device.PSM, ch *device.L2CAPChannel, err error) {
	c.add("DidOpenL2CAPChannel", psm, ch, err)
}

// peripheral manager delegate
func (c *callbacks) DidStartAdvertising(err error) { c.add("DidStartAdvertising", err) }
func (c *callbacks) DidAddService(svc device.AttributeID, err error) {
	c.add("DidAddService", svc, err)
}
func (c *callbacks) CentralDidSubscribe(central device.OwnerID, ch device.AttributeID, n int) {
	c.add("CentralDidSubscribe", central, ch, n)
}
func (c *callbacks) CentralDidUnsubscribe(central device.OwnerID, ch device.AttributeID) {
	c.add("CentralDidUnsubscribe", central, ch)
}
func (c *callbacks) DidReceiveRead(req *device.ATTRequest) { c.add("DidReceiveRead", req) }
func (c *callbacks) DidReceiveWrite(reqs []*device.ATTRequest) { c.add("DidReceiveWrite", reqs) }
func (c *callbacks) IsReadyToUpdateSubscribers() { c.add("IsReadyToUpdateSubscribers") }
func (c *callbacks) DidPublishL2CAPChannel(psm device.PSM, err error) {
	c.add("DidPublishL2CAPChannel", psm, err)
}
func (c *callbacks) DidUnpublishL2CAPChannel(psm device.PSM, err error) {
	c.add("DidUnpublishL2CAPChannel", psm, err)
}

type GoBLETestSuite struct {
	suite.Suite
	opts Options
	cb   *callbacks
}

func (s *GoBLETestSuite) SetupTest() {
	logger, _ := testutils.NewTestLogger()
	s.opts = Options{Logger: logger, WriteWindow: 2, RequestTimeout: 200 * time.Millisecond}
	s.cb = &callbacks{}
}

func (s *GoBLETestSuite) awaitCall(name string) []any {
	var args []any
	s.Require().Eventually(func() bool {
		var ok bool
		args, ok = s.cb.find(name)
		return ok
	}, waitFor, 5*time.Millisecond, "%s MUST be delivered", name)
	return args
}

// connected dials a mock client through a central and returns the peripheral.
func (s *GoBLETestSuite) connected(client *mocks.MockClient) (*Central, *Peripheral) {
	dev := &mocks.MockDevice{}
	dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil)

	c := NewCentral(dev, s.opts)
	c.SetDelegate(s.cb)
	c.Connect("aa:bb")

	args := s.awaitCall("DidConnect")
	s.Require().Equal("aa:bb", args[0])
	p, ok := args[1].(*Peripheral)
	s.Require().True(ok, "DidConnect MUST carry the go-ble peripheral")
	p.SetDelegate(s.cb)
	return c, p
}

func (s *GoBLETestSuite) TestCentralReportsStateOnDelegate() {
	c := NewCentral(&mocks.MockDevice{}, s.opts)
	c.SetDelegate(s.cb)

	args := s.awaitCall("DidUpdateState")
	s.Equal(device.StatePoweredOn, args[0])
}

func (s *GoBLETestSuite) TestScanFiltersByService() {
	// GOAL: Verify scan results are converted and filtered by advertised service
	//
	// TEST SCENARIO: Device reports two advertisements, only one carries 180d → one DidDiscover

	dev := &mocks.MockDevice{}
	dev.On("Scan", mock.Anything, false, mock.Anything).Run(func(args mock.Arguments) {
		h := args.Get(2).(ble.AdvHandler)
		h(&mocks.Advertisement{Address: "11:11", Name: "other", TxPower: txPowerAbsent})
		h(&mocks.Advertisement{
			Address: "22:22",
			Name:    "hrm",
			Signal:  -40,
			Connect: true,
			UUIDs:   []ble.UUID{ble.UUID16(0x180d)},
			TxPower: -4,
		})
		<-args.Get(0).(interface{ Done() <-chan struct{} }).Done()
	}).Return(nil)

	c := NewCentral(dev, s.opts)
	c.SetDelegate(s.cb)
	c.ScanForPeripherals([]string{"180D"}, false)
	s.True(c.IsScanning(), "central MUST report scanning")

	args := s.awaitCall("DidDiscover")
	adv := args[0].(device.Advertisement)
	testutils.NewJSONAsserter(s.T()).AssertValue(adv, `{
		"address": "22:22",
		"name": "hrm",
		"rssi": -40,
		"connectable": true,
		"services": ["180d"],
		"tx_power": -4
	}`)

	c.StopScan()
	s.False(c.IsScanning(), "StopScan MUST clear the scanning flag")
	s.Equal(1, s.cb.count("DidDiscover"), "filtered advertisement MUST NOT be delivered")
}

func (s *GoBLETestSuite) TestDialFailureIsReported() {
	dev := &mocks.MockDevice{}
	dev.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("bluetooth is turned off"))

	c := NewCentral(dev, s.opts)
	c.SetDelegate(s.cb)
	c.Connect("aa:bb")

	args := s.awaitCall("DidFailToConnect")
	s.Equal("aa:bb", args[0])
	s.ErrorIs(args[1].(error), device.ErrManagerState, "host stack message MUST map to a state error")
}

func (s *GoBLETestSuite) TestLinkLossAndRequestedDisconnect() {
	s.Run("link loss carries a cause", func() {
		s.cb = &callbacks{}
		client := mocks.NewMockClient()
		_, p := s.connected(client)

		client.Drop()
		args := s.awaitCall("DidDisconnect")
		s.Error(args[1].(error), "link loss MUST report a cause")
		s.Equal(device.Disconnected, p.State())
	})

	s.Run("requested disconnect has no cause", func() {
		s.cb = &callbacks{}
		client := mocks.NewMockClient()
		client.On("CancelConnection").Return(nil)
		c, _ := s.connected(client)

		c.CancelConnection("aa:bb")
		args := s.awaitCall("DidDisconnect")
		s.Nil(args[1], "requested disconnect MUST NOT report a cause")
		s.Equal(1, s.cb.count("DidDisconnect"), "disconnect MUST be reported once")
	})
}

func (s *GoBLETestSuite) TestDiscoveryIndexesAttributes() {
	// GOAL: Verify discovered attributes get stable IDs usable by later reads
	//
	// TEST SCENARIO: Discover 180d → 2a37 → read it → value delivered for "180d/2a37"

	client := mocks.NewMockClient()
	svc := &ble.Service{UUID: ble.UUID16(0x180d)}
	char := &ble.Characteristic{UUID: ble.UUID16(0x2a37), Property: ble.CharRead | ble.CharNotify}
	client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{svc}, nil)
	client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{char}, nil)
	client.On("ReadCharacteristic", char).Return([]byte{0x06, 0x48}, nil)
	_, p := s.connected(client)

	p.DiscoverServices(nil)
	args := s.awaitCall("DidDiscoverServices")
	s.Require().NoError(errOf(args[1]))
	s.Equal([]device.Service{{ID: "180d", UUID: "180d", Primary: true}}, args[0])

	p.DiscoverCharacteristics("180d", nil)
	args = s.awaitCall("DidDiscoverCharacteristics")
	s.Require().NoError(errOf(args[2]))
	chars := args[1].([]device.Characteristic)
	s.Require().Len(chars, 1)
	s.Equal(device.AttributeID("180d/2a37"), chars[0].ID)
	s.True(chars[0].Properties.Has(device.PropRead|device.PropNotify), "properties MUST be converted")

	p.ReadValue("180d/2a37")
	args = s.awaitCall("DidUpdateValue")
	s.Equal(device.AttributeID("180d/2a37"), args[0])
	s.Equal([]byte{0x06, 0x48}, args[1])
}

func (s *GoBLETestSuite) TestUnknownAttributeFailsThroughDelegate() {
	_, p := s.connected(mocks.NewMockClient())

	p.ReadValue("180d/2a37")
	args := s.awaitCall("DidUpdateValue")
	s.ErrorIs(errOf(args[2]), device.ErrUnknownTarget)
}

func (s *GoBLETestSuite) TestWriteWithoutResponseWindow() {
	// GOAL: Verify best-effort writes hold window slots and signal readiness when room returns
	//
	// TEST SCENARIO: Window 2, host stack blocked → two writes fill it → released → ready signal

	client := mocks.NewMockClient()
	svc := &ble.Service{UUID: ble.UUID16(0x180d)}
	char := &ble.Characteristic{UUID: ble.UUID16(0x2a39), Property: ble.CharWriteNR}
	release := make(chan struct{})
	client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{svc}, nil)
	client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{char}, nil)
	client.On("WriteCharacteristic", char, mock.Anything, true).Run(func(mock.Arguments) {
		<-release
	}).Return(nil)
	_, p := s.connected(client)

	p.DiscoverServices(nil)
	s.awaitCall("DidDiscoverServices")
	p.DiscoverCharacteristics("180d", nil)
	s.awaitCall("DidDiscoverCharacteristics")

	s.True(p.CanSendWriteWithoutResponse("180d/2a39"))
	p.WriteValue("180d/2a39", []byte("one"), device.WithoutResponse)
	p.WriteValue("180d/2a39", []byte("two"), device.WithoutResponse)
	s.False(p.CanSendWriteWithoutResponse("180d/2a39"), "full window MUST refuse more writes")

	close(release)
	s.awaitCall("IsReadyToSendWriteWithoutResponse")
	s.Eventually(func() bool {
		return p.CanSendWriteWithoutResponse("180d/2a39")
	}, waitFor, 5*time.Millisecond, "window MUST reopen")
	s.Zero(s.cb.count("DidWriteValue"), "best-effort writes MUST NOT be acknowledged")
}

func (s *GoBLETestSuite) TestMaximumWriteValueLength() {
	tests := []struct {
		name string
		mtu  int
		want int
	}{
		{name: "default mtu", mtu: 23, want: 20},
		{name: "negotiated mtu", mtu: 185, want: 182},
		{name: "floor", mtu: 10, want: 20},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			conn := &mocks.MockConn{}
			conn.On("TxMTU").Return(tt.mtu)
			client := mocks.NewMockClient()
			client.On("Conn").Return(conn)
			p := NewPeripheral(client, "aa:bb", s.opts)
			s.Equal(tt.want, p.MaximumWriteValueLength("180d/2a39", device.WithoutResponse))
		})
	}
}

func (s *GoBLETestSuite) TestManagerServesReadRequests() {
	// GOAL: Verify dynamic reads are bridged to the delegate and answered with its value
	//
	// TEST SCENARIO: Add service → central reads → delegate fills value and responds → central gets it

	dev := &mocks.MockDevice{}
	var published *ble.Service
	dev.On("AddService", mock.Anything).Run(func(args mock.Arguments) {
		published = args.Get(0).(*ble.Service)
	}).Return(nil)

	m := NewManager(dev, s.opts)
	m.SetDelegate(s.cb)
	m.AddService(device.MutableService{
		ID:   "180d",
		UUID: "180d",
		Characteristics: []device.MutableCharacteristic{
			{ID: "180d/2a37", UUID: "2a37", Properties: device.PropRead | device.PropNotify},
		},
	})
	args := s.awaitCall("DidAddService")
	s.Require().NoError(errOf(args[1]))
	s.Require().NotNil(published)
	s.Require().Len(published.Characteristics, 1)

	rsp := &mocks.ResponseWriter{}
	done := make(chan struct{})
	go func() {
		published.Characteristics[0].ReadHandler.ServeRead(&mocks.Request{Central: ble.NewAddr("cc:dd")}, rsp)
		close(done)
	}()

	args = s.awaitCall("DidReceiveRead")
	req := args[0].(*device.ATTRequest)
	s.Equal(device.OwnerID("cc:dd"), req.Central)
	req.Value = []byte("72")
	m.RespondToRequest(req, device.ATTSuccess)

	select {
	case <-done:
	case <-time.After(waitFor):
		s.FailNow("read handler MUST return after the response")
	}
	s.Equal([]byte("72"), rsp.Body())
	s.Equal(ble.ErrSuccess, rsp.Status())
}

func (s *GoBLETestSuite) TestManagerUnansweredWriteTimesOut() {
	dev := &mocks.MockDevice{}
	var published *ble.Service
	dev.On("AddService", mock.Anything).Run(func(args mock.Arguments) {
		published = args.Get(0).(*ble.Service)
	}).Return(nil)

	m := NewManager(dev, s.opts)
	m.SetDelegate(s.cb)
	m.AddService(device.MutableService{
		ID:              "ffe0",
		UUID:            "ffe0",
		Characteristics: []device.MutableCharacteristic{{ID: "ffe0/ffe1", UUID: "ffe1", Properties: device.PropWrite}},
	})
	s.awaitCall("DidAddService")

	rsp := &mocks.ResponseWriter{}
	published.Characteristics[0].WriteHandler.ServeWrite(&mocks.Request{Central: ble.NewAddr("cc:dd"), Payload: []byte("hi")}, rsp)

	s.Equal(ble.ErrUnlikely, rsp.Status(), "unanswered write MUST fail after the request timeout")
	args := s.awaitCall("DidReceiveWrite")
	s.Equal([]byte("hi"), args[0].([]*device.ATTRequest)[0].Value)
}

func (s *GoBLETestSuite) TestManagerSubscriptionsAndUpdates() {
	// GOAL: Verify notify subscriptions drive the update limit and UpdateValue fan-out
	//
	// TEST SCENARIO: Two centrals subscribe (caps 20 and 8) → limit 8 → update reaches both → unsubscribe

	dev := &mocks.MockDevice{}
	var published *ble.Service
	dev.On("AddService", mock.Anything).Run(func(args mock.Arguments) {
		published = args.Get(0).(*ble.Service)
	}).Return(nil)

	m := NewManager(dev, s.opts)
	m.SetDelegate(s.cb)
	m.AddService(device.MutableService{
		ID:              "180d",
		UUID:            "180d",
		Characteristics: []device.MutableCharacteristic{{ID: "180d/2a37", UUID: "2a37", Properties: device.PropNotify}},
	})
	s.awaitCall("DidAddService")
	s.Equal(minWriteLength, m.MaximumUpdateValueLength(""), "no subscribers MUST fall back to the default")

	first, second := mocks.NewNotifier(20), mocks.NewNotifier(8)
	handler := published.Characteristics[0].NotifyHandler
	go handler.ServeNotify(&mocks.Request{Central: ble.NewAddr("c1")}, first)
	go handler.ServeNotify(&mocks.Request{Central: ble.NewAddr("c2")}, second)
	s.Require().Eventually(func() bool {
		return s.cb.count("CentralDidSubscribe") == 2
	}, waitFor, 5*time.Millisecond)

	s.Equal(8, m.MaximumUpdateValueLength(""), "empty central MUST give the smallest limit")
	s.Equal(20, m.MaximumUpdateValueLength("c1"))

	s.True(m.UpdateValue([]byte("hr"), "180d/2a37", nil))
	s.Eventually(func() bool {
		return len(first.Written()) == 1 && len(second.Written()) == 1
	}, waitFor, 5*time.Millisecond, "update MUST reach every subscriber")

	_ = second.Close()
	s.awaitCall("CentralDidUnsubscribe")
	s.Equal(20, m.MaximumUpdateValueLength(""))
}

func (s *GoBLETestSuite) TestManagerAdvertisingLifecycle() {
	dev := &mocks.MockDevice{}
	dev.On("AdvertiseNameAndServices", mock.Anything, "blemux", mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(interface{ Done() <-chan struct{} }).Done()
	}).Return(nil)

	m := NewManager(dev, s.opts)
	m.SetDelegate(s.cb)
	m.StartAdvertising(device.AdvertisingData{LocalName: "blemux", Services: []string{"180d"}})

	args := s.awaitCall("DidStartAdvertising")
	s.Nil(args[0])
	s.True(m.IsAdvertising())

	m.StopAdvertising()
	s.False(m.IsAdvertising())
}

func (s *GoBLETestSuite) TestL2CAPIsUnsupported() {
	m := NewManager(&mocks.MockDevice{}, s.opts)
	m.SetDelegate(s.cb)
	m.PublishL2CAPChannel(false)

	args := s.awaitCall("DidPublishL2CAPChannel")
	s.ErrorIs(errOf(args[1]), device.ErrUnsupported)
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}

func errOf(v any) error {
	err, _ := v.(error)
	return err
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "invalid manager state", err: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), target: &device.StateError{State: device.StatePoweredOff}},
		{name: "bluetooth off", err: errors.New("Bluetooth is turned off"), target: device.ErrManagerState},
		{name: "not connected", err: errors.New("device not connected"), target: device.ErrNotConnected},
		{name: "disconnected", err: errors.New("peer disconnected"), target: device.ErrNotConnected},
		{name: "not implemented", err: ble.ErrNotImplemented, target: device.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.target)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be kept")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	plain := errors.New("boom")
	assert.Same(t, plain, NormalizeError(plain), "unknown errors MUST pass through")
}

func TestPropertyConversion(t *testing.T) {
	all := device.PropBroadcast | device.PropRead | device.PropWriteWithoutResponse | device.PropWrite |
		device.PropNotify | device.PropIndicate | device.PropAuthenticatedSignedWrites | device.PropExtendedProperties
	assert.Equal(t, all, toProperty(fromProperty(all)))
	assert.Equal(t, device.PropRead|device.PropWrite, toProperty(ble.CharRead|ble.CharWrite))
}

func TestToATTError(t *testing.T) {
	assert.Equal(t, ble.ErrReqNotSupp, toATTError(device.ATTRequestNotSupported))
	assert.Equal(t, ble.ErrInsuffResources, toATTError(device.ATTInsufficientResources))
	assert.Equal(t, ble.ErrUnlikely, toATTError(device.ATTResult(200)))
}

func TestWindow(t *testing.T) {
	w := newWindow(2)
	require.True(t, w.acquire())
	require.True(t, w.acquire())
	assert.False(t, w.acquire(), "full window MUST refuse")
	assert.False(t, w.available())
	assert.True(t, w.release(), "release from full MUST report reopening")
	assert.False(t, w.release())
	assert.False(t, w.release(), "release MUST NOT grow past the size")
	assert.True(t, w.acquire())
}
