package bluetooth

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// ManagerState streams the state of pm, starting with the current one.
func (c *Client) ManagerState(pm device.PeripheralManager) *stream.Stream[device.ManagerState] {
	return stream.New(stream.Config[device.ManagerState]{
		Name:     device.OpState,
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindState)},
		Precheck: func() error {
			c.bindManager(pm)
			return nil
		},
		Activate: func(out stream.Emitter[device.ManagerState]) error {
			out.Next(pm.State())
			return nil
		},
		Logger: c.logger,
	})
}

func (c *Client) managerPrecheck(pm device.PeripheralManager) func() error {
	return func() error {
		if err := requirePoweredOn(pm.State); err != nil {
			return err
		}
		c.bindManager(pm)
		return nil
	}
}

// Advertise starts advertising data. It emits true once advertising has
// started and stays active until cancelled, which stops advertising.
func (c *Client) Advertise(pm device.PeripheralManager, data device.AdvertisingData) *stream.Stream[bool] {
	precheck := c.managerPrecheck(pm)
	return stream.New(stream.Config[bool]{
		Name:     device.OpAdvertise,
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindAdvertising)},
		Precheck: func() error {
			if err := precheck(); err != nil {
				return err
			}
			if pm.IsAdvertising() {
				return device.NewConflictError(device.OpAdvertise, pm.ID(), "")
			}
			return nil
		},
		Activate: func(stream.Emitter[bool]) error {
			pm.StartAdvertising(data)
			return nil
		},
		Cancel: func() {
			if pm.IsAdvertising() {
				pm.StopAdvertising()
			}
		},
		Logger: c.logger,
	})
}

// AddService publishes svc. It emits the service identity once the service is
// added and keeps it published until cancelled.
func (c *Client) AddService(pm device.PeripheralManager, svc device.MutableService) *stream.Stream[device.AttributeID] {
	return stream.New(stream.Config[device.AttributeID]{
		Name:     device.OpAddService,
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.For(mux.KindAddService, svc.ID)},
		Precheck: c.managerPrecheck(pm),
		Activate: func(stream.Emitter[device.AttributeID]) error {
			pm.AddService(svc)
			return nil
		},
		Cancel: func() {
			pm.RemoveService(svc.ID)
		},
		Logger: c.logger,
	})
}

// ReadRequests streams read requests from centrals. Every request must be
// answered with Respond; requests arriving while nobody listens are rejected.
func (c *Client) ReadRequests(pm device.PeripheralManager) *stream.Stream[*device.ATTRequest] {
	return stream.New(stream.Config[*device.ATTRequest]{
		Name:     "read-requests",
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindReadRequest)},
		Precheck: c.managerPrecheck(pm),
		Logger:   c.logger,
	})
}

// WriteRequests streams batches of write requests from centrals. Each batch
// is answered once, with Respond on its first request.
func (c *Client) WriteRequests(pm device.PeripheralManager) *stream.Stream[[]*device.ATTRequest] {
	return stream.New(stream.Config[[]*device.ATTRequest]{
		Name:     "write-requests",
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindWriteRequest)},
		Precheck: c.managerPrecheck(pm),
		Logger:   c.logger,
	})
}

// Respond answers a read or write request.
func (c *Client) Respond(pm device.PeripheralManager, req *device.ATTRequest, result device.ATTResult) {
	pm.RespondToRequest(req, result)
}

// Subscriptions streams centrals subscribing to and unsubscribing from local
// characteristics.
func (c *Client) Subscriptions(pm device.PeripheralManager) *stream.Stream[device.SubscriptionEvent] {
	return stream.New(stream.Config[device.SubscriptionEvent]{
		Name:     "subscriptions",
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindSubscription)},
		Precheck: c.managerPrecheck(pm),
		Logger:   c.logger,
	})
}

// PublishL2CAP publishes an L2CAP channel and emits its PSM. The channel is
// unpublished when the subscription is cancelled.
func (c *Client) PublishL2CAP(pm device.PeripheralManager, encrypted bool) *stream.Stream[device.PSM] {
	var published atomic.Uint32
	return stream.New(stream.Config[device.PSM]{
		Name:     device.OpPublishL2CAP,
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindPublish)},
		Precheck: c.managerPrecheck(pm),
		Activate: func(stream.Emitter[device.PSM]) error {
			pm.PublishL2CAPChannel(encrypted)
			return nil
		},
		Receive: func(ev mux.Event, out stream.Emitter[device.PSM]) {
			if psm, ok := ev.Value.(device.PSM); ok {
				published.Store(uint32(psm))
				out.Next(psm)
			}
		},
		Cancel: func() {
			if psm := device.PSM(published.Load()); psm != 0 {
				pm.UnpublishL2CAPChannel(psm)
			}
		},
		Logger: c.logger,
	})
}

// IncomingL2CAP streams channels opened by centrals on published PSMs.
func (c *Client) IncomingL2CAP(pm device.PeripheralManager) *stream.Stream[*device.L2CAPChannel] {
	return stream.New(stream.Config[*device.L2CAPChannel]{
		Name:     "l2cap-incoming",
		Registry: c.registry,
		Owner:    pm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindL2CAP)},
		Precheck: c.managerPrecheck(pm),
		Logger:   c.logger,
	})
}

// managerHub is the delegate installed on a peripheral manager.
type managerHub struct {
	registry *mux.Registry
	manager  device.PeripheralManager
	logger   *logrus.Logger
}

func (h *managerHub) owner() device.OwnerID {
	return h.manager.ID()
}

func (h *managerHub) DidUpdateState(state device.ManagerState) {
	h.logger.WithFields(logrus.Fields{
		"owner": h.owner(),
		"state": state,
	}).Debug("Peripheral manager state changed")

	h.registry.Dispatch(h.owner(), mux.Global(mux.KindState), mux.Event{Value: state})
	if state != device.StatePoweredOn {
		h.registry.Dispatch(h.owner(), mux.Global(mux.KindAdvertising), mux.Event{Err: &device.StateError{State: state}})
		// Ready-to-update never arrives once the adapter is down.
		h.registry.DispatchKind(h.owner(), mux.KindUpdate, mux.Event{Err: &device.StateError{State: state}})
	}
}

func (h *managerHub) DidStartAdvertising(err error) {
	ev := mux.Event{Value: true}
	if err != nil {
		ev = mux.Event{Err: device.NewOperationError(device.OpAdvertise, h.owner(), "", err)}
	}
	h.registry.Dispatch(h.owner(), mux.Global(mux.KindAdvertising), ev)
}

func (h *managerHub) DidAddService(service device.AttributeID, err error) {
	ev := mux.Event{Value: service}
	if err != nil {
		ev = mux.Event{Err: device.NewOperationError(device.OpAddService, h.owner(), string(service), err)}
	}
	h.registry.Dispatch(h.owner(), mux.For(mux.KindAddService, service), ev)
}

func (h *managerHub) CentralDidSubscribe(central device.OwnerID, characteristic device.AttributeID, maxUpdateLength int) {
	h.registry.Dispatch(h.owner(), mux.Global(mux.KindSubscription), mux.Event{Value: device.SubscriptionEvent{
		Central:                  central,
		Characteristic:           characteristic,
		Subscribed:               true,
		MaximumUpdateValueLength: maxUpdateLength,
	}})
}

func (h *managerHub) CentralDidUnsubscribe(central device.OwnerID, characteristic device.AttributeID) {
	h.registry.Dispatch(h.owner(), mux.Global(mux.KindSubscription), mux.Event{Value: device.SubscriptionEvent{
		Central:        central,
		Characteristic: characteristic,
	}})
}

func (h *managerHub) DidReceiveRead(req *device.ATTRequest) {
	if !h.registry.Dispatch(h.owner(), mux.Global(mux.KindReadRequest), mux.Event{Value: req}) {
		h.reject(req)
	}
}

func (h *managerHub) DidReceiveWrite(reqs []*device.ATTRequest) {
	if len(reqs) == 0 {
		return
	}
	if !h.registry.Dispatch(h.owner(), mux.Global(mux.KindWriteRequest), mux.Event{Value: reqs}) {
		h.reject(reqs[0])
	}
}

func (h *managerHub) reject(req *device.ATTRequest) {
	h.logger.WithFields(logrus.Fields{
		"owner":          h.owner(),
		"central":        req.Central,
		"characteristic": req.Characteristic,
	}).Debug("Rejecting request without handler")
	h.manager.RespondToRequest(req, device.ATTRequestNotSupported)
}

func (h *managerHub) IsReadyToUpdateSubscribers() {
	h.registry.DispatchKind(h.owner(), mux.KindUpdate, mux.Event{Value: signalReady})
}

func (h *managerHub) DidPublishL2CAPChannel(psm device.PSM, err error) {
	ev := mux.Event{Value: psm}
	if err != nil {
		ev = mux.Event{Err: device.NewOperationError(device.OpPublishL2CAP, h.owner(), psmID(psm), err)}
	}
	h.registry.Dispatch(h.owner(), mux.Global(mux.KindPublish), ev)
}

func (h *managerHub) DidUnpublishL2CAPChannel(psm device.PSM, err error) {
	log := h.logger.WithFields(logrus.Fields{
		"owner": h.owner(),
		"psm":   psm,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to unpublish L2CAP channel")
		return
	}
	log.Debug("L2CAP channel unpublished")
}

func (h *managerHub) DidOpenL2CAPChannel(psm device.PSM, ch *device.L2CAPChannel, err error) {
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"owner": h.owner(),
			"psm":   psm,
		}).WithError(err).Warn("Incoming L2CAP channel failed")
		return
	}
	if !h.registry.Dispatch(h.owner(), mux.Global(mux.KindL2CAP), mux.Event{Value: ch}) && ch != nil {
		_ = ch.Close()
	}
}
