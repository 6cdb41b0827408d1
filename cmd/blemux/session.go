package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	goble "github.com/srg/blemux/internal/device/go-ble"
	"github.com/srg/blemux/pkg/bluetooth"
	"github.com/srg/blemux/pkg/config"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// Backend factories, replaced in tests.
var (
	openCentral = func(cfg *config.Config, logger *logrus.Logger) (device.CentralManager, error) {
		return goble.OpenCentral(backendOptions(cfg, logger))
	}
	openManager = func(cfg *config.Config, logger *logrus.Logger) (device.PeripheralManager, error) {
		return goble.OpenManager(backendOptions(cfg, logger))
	}
)

func backendOptions(cfg *config.Config, logger *logrus.Logger) goble.Options {
	return goble.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.Transfer.RequestTimeout,
		WriteWindow:    cfg.Transfer.WriteWindow,
		Logger:         logger,
	}
}

// session bundles what every command needs once its arguments are valid.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *bluetooth.Client
	out    io.Writer
	ctx    context.Context
	stop   context.CancelFunc
}

// newSession loads configuration, builds the logger and binds the command
// context to SIGINT/SIGTERM.
func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	return &session{
		cfg:    cfg,
		logger: logger,
		client: bluetooth.NewClient(logger),
		out:    cmd.OutOrStdout(),
		ctx:    ctx,
		stop:   stop,
	}, nil
}

func (s *session) Close() {
	s.stop()
}

// link is an established connection. Close cancels it.
type link struct {
	device.Peripheral
	sub    *stream.Subscription
	events *stream.Buffer[device.ConnectionEvent]
}

func (l *link) Close() {
	l.sub.Cancel()
}

// Lost is closed when the connection stream ends for any reason.
func (l *link) Lost() <-chan struct{} {
	return l.sub.Done()
}

// connect opens a central and waits for the peripheral at address.
func (s *session) connect(address string) (*link, error) {
	cm, err := openCentral(s.cfg, s.logger)
	if err != nil {
		return nil, err
	}

	events := stream.NewBuffer[device.ConnectionEvent]()
	sub := s.client.Connect(cm, address).Subscribe(events)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	for {
		ev, err := events.Recv(ctx)
		if err != nil {
			sub.Cancel()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %s", ErrConnectionLost, address)
			}
			return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		if ev.State == device.Connected && ev.Peripheral != nil {
			s.logger.WithField("address", address).Info("Connected")
			return &link{Peripheral: ev.Peripheral, sub: sub, events: events}, nil
		}
	}
}

// resolve discovers service and characteristic on p.
func (s *session) resolve(p device.Peripheral, service, char string) (device.Characteristic, error) {
	uuids, err := device.ValidateUUID(service, char)
	if err != nil {
		return device.Characteristic{}, err
	}

	services, err := stream.First(s.ctx, s.client.DiscoverServices(p, uuids[0]))
	if err != nil {
		return device.Characteristic{}, fmt.Errorf("service discovery failed: %w", err)
	}
	svcID := device.ServiceID(uuids[0])
	if !containsService(services, svcID) {
		return device.Characteristic{}, fmt.Errorf("%w: service %s", device.ErrUnknownTarget, uuids[0])
	}

	chars, err := stream.First(s.ctx, s.client.DiscoverCharacteristics(p, svcID, uuids[1]))
	if err != nil {
		return device.Characteristic{}, fmt.Errorf("characteristic discovery failed: %w", err)
	}
	charID := device.CharacteristicID(uuids[0], uuids[1])
	for _, c := range chars {
		if c.ID == charID {
			return c, nil
		}
	}
	return device.Characteristic{}, fmt.Errorf("%w: characteristic %s", device.ErrUnknownTarget, charID)
}

func containsService(services []device.Service, id device.AttributeID) bool {
	for _, svc := range services {
		if svc.ID == id {
			return true
		}
	}
	return false
}
