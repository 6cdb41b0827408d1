package device

// The capability interfaces below are the whole contract with a BLE host
// stack. Requests are fire-and-forget; every result arrives through the
// delegate installed with SetDelegate. Implementations deliver the callbacks of
// one owner serialized and never from inside the request call itself.

// CentralManager scans for and connects to peripherals.
type CentralManager interface {
	ID() OwnerID
	State() ManagerState
	IsScanning() bool

	ScanForPeripherals(services []string, allowDuplicates bool)
	StopScan()

	// Connect dials the peripheral at address. The outcome is reported with
	// DidConnect or DidFailToConnect.
	Connect(address string)
	CancelConnection(address string)

	SetDelegate(d CentralDelegate)
}

// CentralDelegate receives central manager callbacks.
type CentralDelegate interface {
	DidUpdateState(state ManagerState)
	DidDiscover(adv Advertisement)
	DidConnect(address string, p Peripheral)
	DidFailToConnect(address string, err error)
	// DidDisconnect reports link loss; err is nil for a requested disconnect.
	DidDisconnect(address string, err error)
}

// Peripheral is a connected remote GATT server.
type Peripheral interface {
	ID() OwnerID
	Name() string
	State() PeripheralState

	DiscoverServices(filter []string)
	DiscoverIncludedServices(service AttributeID, filter []string)
	DiscoverCharacteristics(service AttributeID, filter []string)
	DiscoverDescriptors(characteristic AttributeID)

	// ReadValue reads a characteristic or descriptor.
	ReadValue(attr AttributeID)
	// WriteValue writes a characteristic or descriptor. Descriptors only
	// accept WithResponse.
	WriteValue(attr AttributeID, data []byte, mode WriteMode)
	SetNotifyValue(attr AttributeID, enabled bool)
	ReadRSSI()
	OpenL2CAPChannel(psm PSM)

	MaximumWriteValueLength(attr AttributeID, mode WriteMode) int
	CanSendWriteWithoutResponse(attr AttributeID) bool

	SetDelegate(d PeripheralDelegate)
}

// PeripheralDelegate receives peripheral callbacks.
type PeripheralDelegate interface {
	DidUpdateName(name string)
	DidModifyServices(invalidated []Service)
	DidDiscoverServices(services []Service, err error)
	DidDiscoverIncludedServices(service AttributeID, included []Service, err error)
	DidDiscoverCharacteristics(service AttributeID, chars []Characteristic, err error)
	DidDiscoverDescriptors(characteristic AttributeID, descs []Descriptor, err error)
	DidUpdateValue(attr AttributeID, value []byte, err error)
	DidWriteValue(attr AttributeID, err error)
	DidUpdateNotificationState(attr AttributeID, enabled bool, err error)
	DidReadRSSI(rssi int, err error)
	IsReadyToSendWriteWithoutResponse()
	DidOpenL2CAPChannel(psm PSM, ch *L2CAPChannel, err error)
}

// PeripheralManager publishes local services and advertises them.
type PeripheralManager interface {
	ID() OwnerID
	State() ManagerState
	IsAdvertising() bool

	StartAdvertising(data AdvertisingData)
	StopAdvertising()

	AddService(svc MutableService)
	RemoveService(service AttributeID)

	// UpdateValue notifies subscribed centrals (all of them when centrals is
	// empty). It returns false when the transmit queue is full; the manager
	// calls IsReadyToUpdateSubscribers once there is room again.
	UpdateValue(value []byte, characteristic AttributeID, centrals []OwnerID) bool
	// MaximumUpdateValueLength with an empty central is the smallest limit
	// among current subscribers.
	MaximumUpdateValueLength(central OwnerID) int

	RespondToRequest(req *ATTRequest, result ATTResult)

	PublishL2CAPChannel(encrypted bool)
	UnpublishL2CAPChannel(psm PSM)

	SetDelegate(d PeripheralManagerDelegate)
}

// PeripheralManagerDelegate receives peripheral manager callbacks.
type PeripheralManagerDelegate interface {
	DidUpdateState(state ManagerState)
	DidStartAdvertising(err error)
	DidAddService(service AttributeID, err error)
	CentralDidSubscribe(central OwnerID, characteristic AttributeID, maxUpdateLength int)
	CentralDidUnsubscribe(central OwnerID, characteristic AttributeID)
	DidReceiveRead(req *ATTRequest)
	DidReceiveWrite(reqs []*ATTRequest)
	IsReadyToUpdateSubscribers()
	DidPublishL2CAPChannel(psm PSM, err error)
	DidUnpublishL2CAPChannel(psm PSM, err error)
	DidOpenL2CAPChannel(psm PSM, ch *L2CAPChannel, err error)
}
