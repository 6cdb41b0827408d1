package bluetooth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blemux/internal/testutils"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
	"github.com/srg/blemux/pkg/transfer"
)

const (
	address = "AA:BB:CC:DD:EE:FF"
	svcID   = device.AttributeID("180d")
	charID  = device.AttributeID("180d/2a37")
)

// drain takes every value delivered so far and reports the terminal state.
func drain[T any](buf *stream.Buffer[T]) ([]T, bool, error) {
	var values []T
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	for buf.Pending() > 0 {
		v, err := buf.Recv(ctx)
		if err != nil {
			break
		}
		values = append(values, v)
	}
	done, err := buf.Terminated()
	return values, done, err
}

type ClientTestSuite struct {
	suite.Suite
	client     *Client
	central    *testutils.FakeCentral
	peripheral *testutils.FakePeripheral
	manager    *testutils.FakeManager
}

func (suite *ClientTestSuite) SetupTest() {
	logger, _ := testutils.NewTestLogger()
	suite.client = NewClient(logger)
	suite.central = testutils.NewFakeCentral()
	suite.peripheral = testutils.NewFakePeripheral(address)
	suite.manager = testutils.NewFakeManager()
}

// connect runs a Connect stream up to the connected event.
func (suite *ClientTestSuite) connect() (*stream.Buffer[device.ConnectionEvent], *stream.Subscription) {
	buf := stream.NewBuffer[device.ConnectionEvent]()
	sub := suite.client.Connect(suite.central, address).Subscribe(buf)
	suite.Require().Equal(1, suite.central.CallCount("Connect"))
	suite.central.Delegate().DidConnect(address, suite.peripheral)
	return buf, sub
}

func (suite *ClientTestSuite) TestScanDeliversAdvertisements() {
	// GOAL: Verify scan installs the delegate lazily, routes discoveries and stops on cancel
	//
	// TEST SCENARIO: subscribe scan → delegate installed, scan requested → 2 discoveries → cancel → StopScan

	suite.Assert().Nil(suite.central.Delegate(), "delegate MUST NOT be installed before the first subscription")

	buf := stream.NewBuffer[device.Advertisement]()
	sub := suite.client.Scan(suite.central, []string{"180d"}, false).Subscribe(buf)

	suite.Require().NotNil(suite.central.Delegate())
	calls := suite.central.Calls("ScanForPeripherals")
	suite.Require().Len(calls, 1)
	suite.Assert().Equal([]string{"180d"}, calls[0].Args[0])

	suite.central.Delegate().DidDiscover(device.Advertisement{Address: "11:22:33:44:55:66", RSSI: -40})
	suite.central.Delegate().DidDiscover(device.Advertisement{Address: address, RSSI: -60})

	values, done, _ := drain(buf)
	suite.Assert().False(done)
	suite.Require().Len(values, 2)
	suite.Assert().Equal(address, values[1].Address)

	sub.Cancel()
	suite.Assert().Equal(1, suite.central.CallCount("StopScan"), "cancel MUST stop the scan")

	suite.central.Delegate().DidDiscover(device.Advertisement{Address: "late"})
	values, _, _ = drain(buf)
	suite.Assert().Empty(values, "no value MUST follow cancellation")
}

func (suite *ClientTestSuite) TestSecondScanConflicts() {
	first := stream.NewBuffer[device.Advertisement]()
	suite.client.Scan(suite.central, nil, false).Subscribe(first)

	second := stream.NewBuffer[device.Advertisement]()
	suite.client.Scan(suite.central, nil, false).Subscribe(second)

	_, done, err := drain(second)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrScanInProgress)
	suite.Assert().Equal(1, suite.central.CallCount("ScanForPeripherals"), "rejected scan MUST NOT issue a request")

	_, done, _ = drain(first)
	suite.Assert().False(done, "incumbent MUST be unaffected")
}

func (suite *ClientTestSuite) TestScanRequiresPoweredOn() {
	suite.central.SetState(device.StatePoweredOff)

	buf := stream.NewBuffer[device.Advertisement]()
	suite.client.Scan(suite.central, nil, false).Subscribe(buf)

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrManagerState)
	var stateErr *device.StateError
	suite.Require().ErrorAs(err, &stateErr)
	suite.Assert().Equal(device.StatePoweredOff, stateErr.State)
	suite.Assert().Zero(suite.central.CallCount("ScanForPeripherals"))
}

func (suite *ClientTestSuite) TestScanFailsWhenPoweredOff() {
	buf := stream.NewBuffer[device.Advertisement]()
	suite.client.Scan(suite.central, nil, false).Subscribe(buf)

	suite.central.SetState(device.StatePoweredOff)
	suite.central.Delegate().DidUpdateState(device.StatePoweredOff)

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrManagerState)
}

func (suite *ClientTestSuite) TestCentralState() {
	buf := stream.NewBuffer[device.ManagerState]()
	suite.client.CentralState(suite.central).Subscribe(buf)
	suite.central.Delegate().DidUpdateState(device.StateResetting)

	values, done, _ := drain(buf)
	suite.Assert().False(done)
	suite.Assert().Equal([]device.ManagerState{device.StatePoweredOn, device.StateResetting}, values)

	second := stream.NewBuffer[device.ManagerState]()
	suite.client.CentralState(suite.central).Subscribe(second)
	_, done, err := drain(second)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrConflict)
	suite.Assert().Equal(1, suite.central.CallCount("SetDelegate"), "delegate MUST be installed once")
}

func (suite *ClientTestSuite) TestConnectAndLinkLoss() {
	// GOAL: Verify link loss fails the connection stream and tears down the peripheral's streams
	//
	// TEST SCENARIO: connect → notifications active → DidDisconnect(err) → both streams fail Disconnected → table gone

	conn, _ := suite.connect()
	events, done, _ := drain(conn)
	suite.Require().Len(events, 1)
	suite.Assert().Equal(device.Connected, events[0].State)
	suite.Assert().Same(suite.peripheral, events[0].Peripheral)
	suite.Assert().False(done)

	notes := stream.NewBuffer[device.Value]()
	suite.client.Notifications(suite.peripheral, charID).Subscribe(notes)
	suite.Require().Equal(2, suite.client.Owners())

	suite.peripheral.SetState(device.Disconnected)
	suite.central.Delegate().DidDisconnect(address, errors.New("supervision timeout"))

	_, done, err := drain(conn)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrDisconnected)

	_, done, err = drain(notes)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrDisconnected, "peripheral streams MUST fail with the link loss")
	suite.Assert().Equal(1, suite.client.Owners(), "peripheral table MUST be discarded")
}

func (suite *ClientTestSuite) TestRequestedDisconnectCompletes() {
	conn, sub := suite.connect()

	sub.Cancel()
	suite.Assert().Equal(1, suite.central.CallCount("CancelConnection"))

	suite.central.Delegate().DidDisconnect(address, nil)
	_, done, _ := drain(conn)
	suite.Assert().False(done, "cancelled stream MUST NOT receive a terminal signal")
}

func (suite *ClientTestSuite) TestConnectFailure() {
	buf := stream.NewBuffer[device.ConnectionEvent]()
	suite.client.Connect(suite.central, address).Subscribe(buf)
	suite.central.Delegate().DidFailToConnect(address, errors.New("timeout"))

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrOperationFailed)
}

func (suite *ClientTestSuite) TestDiscoverCharacteristics() {
	suite.connect()

	buf := stream.NewBuffer[[]device.Characteristic]()
	suite.client.DiscoverCharacteristics(suite.peripheral, svcID).Subscribe(buf)
	suite.Require().Equal(1, suite.peripheral.CallCount("DiscoverCharacteristics"))

	chars := []device.Characteristic{{ID: charID, Service: svcID, UUID: "2a37", Properties: device.PropNotify}}
	suite.peripheral.Delegate().DidDiscoverCharacteristics(svcID, chars, nil)

	values, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().NoError(err)
	suite.Assert().Equal([][]device.Characteristic{chars}, values)
}

func (suite *ClientTestSuite) TestInvalidatedServiceCompletesDiscovery() {
	suite.connect()

	discovery := stream.NewBuffer[[]device.Characteristic]()
	suite.client.DiscoverCharacteristics(suite.peripheral, svcID).Subscribe(discovery)
	changes := stream.NewBuffer[[]device.Service]()
	suite.client.ServiceChanges(suite.peripheral).Subscribe(changes)

	invalidated := []device.Service{{ID: svcID, UUID: "180d", Primary: true}}
	suite.peripheral.Delegate().DidModifyServices(invalidated)

	values, done, err := drain(discovery)
	suite.Assert().True(done)
	suite.Assert().NoError(err)
	suite.Assert().Empty(values)

	got, _, _ := drain(changes)
	suite.Assert().Equal([][]device.Service{invalidated}, got)
}

func (suite *ClientTestSuite) TestReadRequiresConnection() {
	suite.peripheral.SetState(device.Disconnected)

	buf := stream.NewBuffer[device.Value]()
	suite.client.Read(suite.peripheral, charID).Subscribe(buf)

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrNotConnected)
	suite.Assert().Zero(suite.peripheral.CallCount("ReadValue"))
}

func (suite *ClientTestSuite) TestReadConflictsWithNotifications() {
	suite.connect()

	notes := stream.NewBuffer[device.Value]()
	suite.client.Notifications(suite.peripheral, charID).Subscribe(notes)
	read := stream.NewBuffer[device.Value]()
	suite.client.Read(suite.peripheral, charID).Subscribe(read)

	_, done, err := drain(read)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrConflict)
}

func (suite *ClientTestSuite) TestNotifications() {
	suite.connect()

	buf := stream.NewBuffer[device.Value]()
	sub := suite.client.Notifications(suite.peripheral, charID).Subscribe(buf)

	d := suite.peripheral.Delegate()
	d.DidUpdateNotificationState(charID, true, nil)
	d.DidUpdateValue(charID, []byte{60}, nil)
	d.DidUpdateValue(charID, []byte{61}, nil)

	values, done, _ := drain(buf)
	suite.Assert().False(done)
	suite.Require().Len(values, 2)
	suite.Assert().Equal([]byte{61}, values[1].Data)

	sub.Cancel()
	calls := suite.peripheral.Calls("SetNotifyValue")
	suite.Require().Len(calls, 2)
	suite.Assert().Equal(false, calls[1].Args[1], "cancel MUST disable notifications")
}

func (suite *ClientTestSuite) TestNotificationsRejected() {
	suite.connect()

	buf := stream.NewBuffer[device.Value]()
	suite.client.Notifications(suite.peripheral, charID).Subscribe(buf)
	suite.peripheral.Delegate().DidUpdateNotificationState(charID, false, errors.New("att 0x03"))

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrOperationFailed)
}

func (suite *ClientTestSuite) TestWriteWithoutResponsePacedByCapacity() {
	// GOAL: Verify best-effort writes stop on saturation and resume on the ready callback
	//
	// TEST SCENARIO: unit 20, capacity 1 → one write → ready with room → remaining writes → progress 20, 40, 50

	suite.connect()
	suite.peripheral.SetCapacity(1)

	buf := stream.NewBuffer[device.Progress]()
	suite.client.WriteWithoutResponse(suite.peripheral, charID, make([]byte, 50)).Subscribe(buf)
	suite.Assert().Len(suite.peripheral.Writes(), 1)

	suite.peripheral.SetCapacity(-1)
	suite.peripheral.Delegate().IsReadyToSendWriteWithoutResponse()

	values, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().NoError(err)
	var sent []int
	for _, p := range values {
		sent = append(sent, p.Sent)
	}
	suite.Assert().Equal([]int{20, 40, 50}, sent)

	for _, w := range suite.peripheral.Writes() {
		suite.Assert().Equal(device.WithoutResponse, w.Mode)
		suite.Assert().LessOrEqual(len(w.Data), 20)
	}
}

func (suite *ClientTestSuite) TestAcknowledgedWrite() {
	suite.connect()

	buf := stream.NewBuffer[device.Progress]()
	suite.client.Write(suite.peripheral, charID, make([]byte, 30)).Subscribe(buf)
	suite.Require().Len(suite.peripheral.Writes(), 1)

	d := suite.peripheral.Delegate()
	d.DidWriteValue(charID, nil)
	suite.Require().Len(suite.peripheral.Writes(), 2)
	d.DidWriteValue(charID, nil)

	values, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().NoError(err)
	suite.Assert().Len(values, 2)
}

func (suite *ClientTestSuite) TestWriteFailure() {
	suite.connect()

	buf := stream.NewBuffer[device.Progress]()
	suite.client.Write(suite.peripheral, charID, make([]byte, 30)).Subscribe(buf)
	suite.peripheral.Delegate().DidWriteValue(charID, errors.New("att 0x03"))

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrOperationFailed)
	suite.Assert().Len(suite.peripheral.Writes(), 1)
}

func (suite *ClientTestSuite) TestDisconnectDuringWrite() {
	suite.connect()

	buf := stream.NewBuffer[device.Progress]()
	suite.client.Write(suite.peripheral, charID, make([]byte, 30)).Subscribe(buf)

	suite.peripheral.SetState(device.Disconnected)
	suite.central.Delegate().DidDisconnect(address, nil)

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrNotConnected, "unfinished transfer MUST fail even on a requested disconnect")
}

func (suite *ClientTestSuite) TestDescriptorRejectsWriteWithoutResponse() {
	suite.connect()

	buf := stream.NewBuffer[device.Progress]()
	suite.client.WriteWithoutResponse(suite.peripheral, "180d/2a37/2902", []byte{1, 0}).Subscribe(buf)

	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrUnsupported)
	suite.Assert().Empty(suite.peripheral.Writes())
}

func (suite *ClientTestSuite) TestWritePackets() {
	suite.connect()

	feed, err := transfer.NewFeed(8, nil)
	suite.Require().NoError(err)

	buf := stream.NewBuffer[device.Progress]()
	suite.client.WritePackets(suite.peripheral, charID, feed).Subscribe(buf)

	suite.Require().NoError(feed.SendData([]byte("ab"), device.WithoutResponse))
	suite.Require().NoError(feed.SendData([]byte("cd"), device.WithResponse))
	feed.Close(nil)

	suite.Require().Eventually(func() bool {
		return len(suite.peripheral.Writes()) == 2
	}, time.Second, 5*time.Millisecond)
	suite.peripheral.Delegate().DidWriteValue(charID, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var last device.Progress
	for {
		p, err := buf.Recv(ctx)
		if err != nil {
			suite.Require().ErrorContains(err, "EOF")
			break
		}
		last = p
	}
	suite.Assert().Equal(4, last.Sent)
}

func (suite *ClientTestSuite) TestUnhandledReadRequestRejected() {
	states := stream.NewBuffer[device.ManagerState]()
	suite.client.ManagerState(suite.manager).Subscribe(states)

	req := &device.ATTRequest{ID: 1, Central: "central-1", Characteristic: charID}
	suite.manager.Delegate().DidReceiveRead(req)

	responses := suite.manager.Responses()
	suite.Require().Len(responses, 1)
	suite.Assert().Equal(device.ATTRequestNotSupported, responses[0].Result)
}

func (suite *ClientTestSuite) TestReadRequestsRouted() {
	buf := stream.NewBuffer[*device.ATTRequest]()
	suite.client.ReadRequests(suite.manager).Subscribe(buf)

	req := &device.ATTRequest{ID: 7, Central: "central-1", Characteristic: charID}
	suite.manager.Delegate().DidReceiveRead(req)

	values, _, _ := drain(buf)
	suite.Require().Len(values, 1)
	suite.Assert().Same(req, values[0])
	suite.Assert().Empty(suite.manager.Responses())

	req.Value = []byte("ok")
	suite.client.Respond(suite.manager, req, device.ATTSuccess)
	suite.Assert().Len(suite.manager.Responses(), 1)
}

func (suite *ClientTestSuite) TestUpdateValueUsesSmallestCentralLimit() {
	// GOAL: Verify updates are chunked to the smallest subscriber limit and paced by ready callbacks
	//
	// TEST SCENARIO: limits 20 and 8, capacity 1 → 1 update → ready → remaining updates of at most 8 bytes

	suite.manager.SetUpdateLength("c1", 20)
	suite.manager.SetUpdateLength("c2", 8)
	suite.manager.SetCapacity(1)

	buf := stream.NewBuffer[device.Progress]()
	suite.client.UpdateValue(suite.manager, charID, make([]byte, 20), "c1", "c2").Subscribe(buf)
	suite.Assert().Len(suite.manager.Updates(), 1)

	suite.manager.SetCapacity(-1)
	suite.manager.Delegate().IsReadyToUpdateSubscribers()

	updates := suite.manager.Updates()
	suite.Require().Len(updates, 3)
	for _, u := range updates {
		suite.Assert().LessOrEqual(len(u.Data), 8)
		suite.Assert().Equal([]device.OwnerID{"c1", "c2"}, u.Centrals)
	}
	_, done, err := drain(buf)
	suite.Assert().True(done)
	suite.Assert().NoError(err)
}

func (suite *ClientTestSuite) TestUpdateValueFailsWhenPoweredOff() {
	// GOAL: Verify a paced update fails when the adapter powers off instead of waiting for ready forever
	//
	// TEST SCENARIO: capacity 1 → 1 of 3 updates sent → state powered off → StateError → no further updates

	suite.manager.SetUpdateLength("c1", 8)
	suite.manager.SetCapacity(1)

	buf := stream.NewBuffer[device.Progress]()
	suite.client.UpdateValue(suite.manager, charID, make([]byte, 20), "c1").Subscribe(buf)
	suite.Require().Len(suite.manager.Updates(), 1)

	suite.manager.Delegate().DidUpdateState(device.StatePoweredOff)

	_, done, err := drain(buf)
	suite.Require().True(done, "update MUST terminate when the adapter powers off")
	var stateErr *device.StateError
	suite.Require().ErrorAs(err, &stateErr)
	suite.Assert().Equal(device.StatePoweredOff, stateErr.State)

	suite.manager.SetCapacity(-1)
	suite.manager.Delegate().IsReadyToUpdateSubscribers()
	suite.Assert().Len(suite.manager.Updates(), 1, "failed update MUST NOT resume")
}

func (suite *ClientTestSuite) TestAdvertiseLifecycle() {
	buf := stream.NewBuffer[bool]()
	sub := suite.client.Advertise(suite.manager, device.AdvertisingData{LocalName: "blemux"}).Subscribe(buf)
	suite.manager.Delegate().DidStartAdvertising(nil)

	values, done, _ := drain(buf)
	suite.Assert().Equal([]bool{true}, values)
	suite.Assert().False(done)

	second := stream.NewBuffer[bool]()
	suite.client.Advertise(suite.manager, device.AdvertisingData{}).Subscribe(second)
	_, done, err := drain(second)
	suite.Assert().True(done)
	suite.Assert().ErrorIs(err, device.ErrAdvertisingInProgress)

	sub.Cancel()
	suite.Assert().Equal(1, suite.manager.CallCount("StopAdvertising"))
}

func (suite *ClientTestSuite) TestAddServiceRemovedOnCancel() {
	svc := device.MutableService{ID: "fff0", UUID: "fff0", Primary: true}
	buf := stream.NewBuffer[device.AttributeID]()
	sub := suite.client.AddService(suite.manager, svc).Subscribe(buf)
	suite.manager.Delegate().DidAddService("fff0", nil)

	values, _, _ := drain(buf)
	suite.Assert().Equal([]device.AttributeID{"fff0"}, values)

	sub.Cancel()
	calls := suite.manager.Calls("RemoveService")
	suite.Require().Len(calls, 1)
	suite.Assert().Equal(device.AttributeID("fff0"), calls[0].Args[0])
}

func (suite *ClientTestSuite) TestPublishL2CAPUnpublishesOnCancel() {
	buf := stream.NewBuffer[device.PSM]()
	sub := suite.client.PublishL2CAP(suite.manager, false).Subscribe(buf)
	suite.manager.Delegate().DidPublishL2CAPChannel(0x0081, nil)

	values, _, _ := drain(buf)
	suite.Assert().Equal([]device.PSM{0x0081}, values)

	sub.Cancel()
	calls := suite.manager.Calls("UnpublishL2CAPChannel")
	suite.Require().Len(calls, 1)
	suite.Assert().Equal(device.PSM(0x0081), calls[0].Args[0])
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
