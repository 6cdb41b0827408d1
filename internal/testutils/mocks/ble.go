// Package mocks holds testify mocks of the go-ble interfaces. Each mock embeds
// the interface it stands in for, so calling a method the test did not expect
// panics on the nil embedded value.
package mocks

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice is a ble.Device.
type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

func (m *MockDevice) AddService(svc *ble.Service) error {
	return m.Called(svc).Error(0)
}

func (m *MockDevice) SetServices(svcs []*ble.Service) error {
	return m.Called(svcs).Error(0)
}

func (m *MockDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	return m.Called(ctx, name, uuids).Error(0)
}

// MockClient is a ble.Client with a Disconnected channel closed by Drop.
type MockClient struct {
	ble.Client
	mock.Mock

	once         sync.Once
	disconnected chan struct{}
}

func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

// Drop closes the Disconnected channel.
func (m *MockClient) Drop() {
	m.once.Do(func() { close(m.disconnected) })
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

func (m *MockClient) Name() string {
	return m.Called().String(0)
}

func (m *MockClient) Conn() ble.Conn {
	c, _ := m.Called().Get(0).(ble.Conn)
	return c
}

func (m *MockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	s, _ := args.Get(0).([]*ble.Service)
	return s, args.Error(1)
}

func (m *MockClient) DiscoverIncludedServices(filter []ble.UUID, s *ble.Service) ([]*ble.Service, error) {
	args := m.Called(filter, s)
	out, _ := args.Get(0).([]*ble.Service)
	return out, args.Error(1)
}

func (m *MockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	c, _ := args.Get(0).([]*ble.Characteristic)
	return c, args.Error(1)
}

func (m *MockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	d, _ := args.Get(0).([]*ble.Descriptor)
	return d, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	return m.Called(d, v).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) ReadRSSI() int {
	return m.Called().Int(0)
}

func (m *MockClient) CancelConnection() error {
	err := m.Called().Error(0)
	m.Drop()
	return err
}

// MockConn is a ble.Conn.
type MockConn struct {
	ble.Conn
	mock.Mock
}

func (m *MockConn) TxMTU() int {
	return m.Called().Int(0)
}

func (m *MockConn) RemoteAddr() ble.Addr {
	a, _ := m.Called().Get(0).(ble.Addr)
	return a
}

// Advertisement is a canned ble.Advertisement.
type Advertisement struct {
	ble.Advertisement

	Address     string
	Name        string
	Signal      int
	Connect     bool
	UUIDs       []ble.UUID
	Data        []ble.ServiceData
	Manufacture []byte
	TxPower     int
}

func (a *Advertisement) Addr() ble.Addr { return ble.NewAddr(a.Address) }

func (a *Advertisement) LocalName() string { return a.Name }

func (a *Advertisement) RSSI() int { return a.Signal }

func (a *Advertisement) Connectable() bool { return a.Connect }

func (a *Advertisement) Services() []ble.UUID { return a.UUIDs }

func (a *Advertisement) ServiceData() []ble.ServiceData { return a.Data }

func (a *Advertisement) ManufacturerData() []byte { return a.Manufacture }

func (a *Advertisement) TxPowerLevel() int { return a.TxPower }

// Notifier is a ble.Notifier recording what was written to it.
type Notifier struct {
	ctx    context.Context
	cancel context.CancelFunc
	limit  int

	mu      sync.Mutex
	written [][]byte
}

func NewNotifier(limit int) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{ctx: ctx, cancel: cancel, limit: limit}
}

func (n *Notifier) Context() context.Context { return n.ctx }

func (n *Notifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.written = append(n.written, append([]byte(nil), b...))
	return len(b), nil
}

// Close ends the subscription as if the central unsubscribed.
func (n *Notifier) Close() error {
	n.cancel()
	return nil
}

func (n *Notifier) Cap() int { return n.limit }

func (n *Notifier) Written() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.written...)
}

// Request is a ble.Request from a fixed central.
type Request struct {
	Central ble.Addr
	Payload []byte
	At      int
}

func (r *Request) Conn() ble.Conn {
	c := &MockConn{}
	c.On("RemoteAddr").Return(r.Central)
	return c
}

func (r *Request) Data() []byte { return r.Payload }
func (r *Request) Offset() int  { return r.At }

// ResponseWriter records a read or write response.
type ResponseWriter struct {
	mu     sync.Mutex
	status ble.ATTError
	body   []byte
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.body = append(w.body, b...)
	return len(b), nil
}

func (w *ResponseWriter) Status() ble.ATTError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *ResponseWriter) SetStatus(status ble.ATTError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

func (w *ResponseWriter) Len() int { return len(w.Body()) }
func (w *ResponseWriter) Cap() int { return 512 }

func (w *ResponseWriter) Body() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.body...)
}
