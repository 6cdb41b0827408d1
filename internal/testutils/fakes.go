package testutils

import (
	"sync"

	"github.com/google/uuid"

	"github.com/srg/blemux/pkg/device"
)

// Call is one recorded request on a fake capability object.
type Call struct {
	Method string
	Args   []any
}

type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns the recorded calls of method, or all calls when method is empty.
func (r *recorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times method was called.
func (r *recorder) CallCount(method string) int {
	return len(r.Calls(method))
}

// FakeCentral is a CentralManager whose callbacks are fired by the test.
type FakeCentral struct {
	recorder

	id       device.OwnerID
	state    device.ManagerState
	scanning bool
	delegate device.CentralDelegate
}

// NewFakeCentral creates a powered-on central with a random identity.
func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		id:    device.OwnerID(uuid.NewString()),
		state: device.StatePoweredOn,
	}
}

func (f *FakeCentral) ID() device.OwnerID { return f.id }

func (f *FakeCentral) State() device.ManagerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetState changes the state without notifying the delegate.
func (f *FakeCentral) SetState(s device.ManagerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *FakeCentral) IsScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *FakeCentral) ScanForPeripherals(services []string, allowDuplicates bool) {
	f.record("ScanForPeripherals", services, allowDuplicates)
	f.mu.Lock()
	f.scanning = true
	f.mu.Unlock()
}

func (f *FakeCentral) StopScan() {
	f.record("StopScan")
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
}

func (f *FakeCentral) Connect(address string) {
	f.record("Connect", address)
}

func (f *FakeCentral) CancelConnection(address string) {
	f.record("CancelConnection", address)
}

func (f *FakeCentral) SetDelegate(d device.CentralDelegate) {
	f.record("SetDelegate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = d
}

// Delegate returns the installed delegate, nil before the first subscription.
func (f *FakeCentral) Delegate() device.CentralDelegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegate
}

// FakeWrite is a write accepted by a FakePeripheral.
type FakeWrite struct {
	Attribute device.AttributeID
	Data      []byte
	Mode      device.WriteMode
}

// FakePeripheral is a connected Peripheral whose callbacks are fired by the test.
type FakePeripheral struct {
	recorder

	id       device.OwnerID
	name     string
	state    device.PeripheralState
	delegate device.PeripheralDelegate
	unit     int
	capacity int
	writes   []FakeWrite
}

// NewFakePeripheral creates a connected peripheral with address as identity,
// a write unit of 20 bytes and unlimited best-effort capacity.
func NewFakePeripheral(address string) *FakePeripheral {
	return &FakePeripheral{
		id:       device.OwnerID(address),
		name:     "fake-" + address,
		state:    device.Connected,
		unit:     20,
		capacity: -1,
	}
}

func (f *FakePeripheral) ID() device.OwnerID { return f.id }

func (f *FakePeripheral) Name() string { return f.name }

func (f *FakePeripheral) State() device.PeripheralState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakePeripheral) SetState(s device.PeripheralState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

// SetUnit sets the value returned by MaximumWriteValueLength.
func (f *FakePeripheral) SetUnit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unit = n
}

// SetCapacity sets how many best-effort writes are accepted before
// CanSendWriteWithoutResponse reports false. Negative means unlimited.
func (f *FakePeripheral) SetCapacity(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity = n
}

func (f *FakePeripheral) DiscoverServices(filter []string) {
	f.record("DiscoverServices", filter)
}

func (f *FakePeripheral) DiscoverIncludedServices(service device.AttributeID, filter []string) {
	f.record("DiscoverIncludedServices", service, filter)
}

func (f *FakePeripheral) DiscoverCharacteristics(service device.AttributeID, filter []string) {
	f.record("DiscoverCharacteristics", service, filter)
}

func (f *FakePeripheral) DiscoverDescriptors(characteristic device.AttributeID) {
	f.record("DiscoverDescriptors", characteristic)
}

func (f *FakePeripheral) ReadValue(attr device.AttributeID) {
	f.record("ReadValue", attr)
}

func (f *FakePeripheral) WriteValue(attr device.AttributeID, data []byte, mode device.WriteMode) {
	f.record("WriteValue", attr, mode)
	f.mu.Lock()
	defer f.mu.Unlock()
	if mode == device.WithoutResponse && f.capacity > 0 {
		f.capacity--
	}
	f.writes = append(f.writes, FakeWrite{Attribute: attr, Data: append([]byte(nil), data...), Mode: mode})
}

// Writes returns the accepted writes in order.
func (f *FakePeripheral) Writes() []FakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeWrite(nil), f.writes...)
}

func (f *FakePeripheral) SetNotifyValue(attr device.AttributeID, enabled bool) {
	f.record("SetNotifyValue", attr, enabled)
}

func (f *FakePeripheral) ReadRSSI() {
	f.record("ReadRSSI")
}

func (f *FakePeripheral) OpenL2CAPChannel(psm device.PSM) {
	f.record("OpenL2CAPChannel", psm)
}

func (f *FakePeripheral) MaximumWriteValueLength(device.AttributeID, device.WriteMode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unit
}

func (f *FakePeripheral) CanSendWriteWithoutResponse(device.AttributeID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity != 0
}

func (f *FakePeripheral) SetDelegate(d device.PeripheralDelegate) {
	f.record("SetDelegate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = d
}

func (f *FakePeripheral) Delegate() device.PeripheralDelegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegate
}

// FakeResponse is an answer given through RespondToRequest.
type FakeResponse struct {
	Request *device.ATTRequest
	Result  device.ATTResult
}

// FakeUpdate is a notification accepted by a FakeManager.
type FakeUpdate struct {
	Characteristic device.AttributeID
	Data           []byte
	Centrals       []device.OwnerID
}

// FakeManager is a PeripheralManager whose callbacks are fired by the test.
type FakeManager struct {
	recorder

	id          device.OwnerID
	state       device.ManagerState
	advertising bool
	delegate    device.PeripheralManagerDelegate
	updateLen   map[device.OwnerID]int
	capacity    int
	updates     []FakeUpdate
	responses   []FakeResponse
}

// NewFakeManager creates a powered-on peripheral manager with a random
// identity, an update length of 20 and unlimited capacity.
func NewFakeManager() *FakeManager {
	return &FakeManager{
		id:        device.OwnerID(uuid.NewString()),
		state:     device.StatePoweredOn,
		updateLen: map[device.OwnerID]int{"": 20},
		capacity:  -1,
	}
}

func (f *FakeManager) ID() device.OwnerID { return f.id }

func (f *FakeManager) State() device.ManagerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeManager) SetState(s device.ManagerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *FakeManager) IsAdvertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

func (f *FakeManager) StartAdvertising(data device.AdvertisingData) {
	f.record("StartAdvertising", data)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = true
}

func (f *FakeManager) StopAdvertising() {
	f.record("StopAdvertising")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
}

func (f *FakeManager) AddService(svc device.MutableService) {
	f.record("AddService", svc)
}

func (f *FakeManager) RemoveService(service device.AttributeID) {
	f.record("RemoveService", service)
}

func (f *FakeManager) UpdateValue(value []byte, characteristic device.AttributeID, centrals []device.OwnerID) bool {
	f.record("UpdateValue", characteristic)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity == 0 {
		return false
	}
	if f.capacity > 0 {
		f.capacity--
	}
	f.updates = append(f.updates, FakeUpdate{
		Characteristic: characteristic,
		Data:           append([]byte(nil), value...),
		Centrals:       centrals,
	})
	return true
}

// SetCapacity sets how many updates are accepted before UpdateValue returns
// false. Negative means unlimited.
func (f *FakeManager) SetCapacity(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity = n
}

// SetUpdateLength sets MaximumUpdateValueLength for central ("" for the default).
func (f *FakeManager) SetUpdateLength(central device.OwnerID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateLen[central] = n
}

func (f *FakeManager) Updates() []FakeUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeUpdate(nil), f.updates...)
}

func (f *FakeManager) MaximumUpdateValueLength(central device.OwnerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.updateLen[central]; ok {
		return n
	}
	return f.updateLen[""]
}

func (f *FakeManager) RespondToRequest(req *device.ATTRequest, result device.ATTResult) {
	f.record("RespondToRequest", req, result)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, FakeResponse{Request: req, Result: result})
}

func (f *FakeManager) Responses() []FakeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeResponse(nil), f.responses...)
}

func (f *FakeManager) PublishL2CAPChannel(encrypted bool) {
	f.record("PublishL2CAPChannel", encrypted)
}

func (f *FakeManager) UnpublishL2CAPChannel(psm device.PSM) {
	f.record("UnpublishL2CAPChannel", psm)
}

func (f *FakeManager) SetDelegate(d device.PeripheralManagerDelegate) {
	f.record("SetDelegate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = d
}

func (f *FakeManager) Delegate() device.PeripheralManagerDelegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegate
}
