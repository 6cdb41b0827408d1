package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

type advertiseOptions struct {
	name    string
	service string
	char    string
	value   string
}

func newAdvertiseCmd() *cobra.Command {
	opts := &advertiseOptions{}
	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Advertise a GATT service that echoes writes",
		Long: `Publishes one service with one characteristic and advertises it.

Centrals can read the characteristic, write it and subscribe to it. Every
write replaces the value and is sent back to all subscribers. Runs until
Ctrl+C.`,
		Example: `  blemux advertise --name echo --service 1234 --char 5678 --value hello`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdvertise(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.name, "name", "blemux", "Advertised local name")
	cmd.Flags().StringVar(&opts.service, "service", "", "Service UUID (required)")
	cmd.Flags().StringVar(&opts.char, "char", "", "Characteristic UUID (required)")
	cmd.Flags().StringVar(&opts.value, "value", "", "Initial characteristic value")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("char")
	return cmd
}

// echoServer holds the characteristic value and prints what centrals do.
type echoServer struct {
	s    *session
	pm   device.PeripheralManager
	char device.AttributeID
	echo *groutine.Serial

	mu    sync.Mutex
	value []byte
	out   io.Writer
}

func (e *echoServer) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}

func (e *echoServer) onRead(req *device.ATTRequest) {
	e.mu.Lock()
	value := append([]byte(nil), e.value...)
	e.mu.Unlock()

	if req.Characteristic != e.char {
		e.s.client.Respond(e.pm, req, device.ATTInvalidHandle)
		return
	}
	if req.Offset > len(value) {
		e.s.client.Respond(e.pm, req, device.ATTInvalidOffset)
		return
	}
	req.Value = value[req.Offset:]
	e.s.client.Respond(e.pm, req, device.ATTSuccess)
	e.printf("read by %s\n", req.Central)
}

func (e *echoServer) onWrite(batch []*device.ATTRequest) {
	if len(batch) == 0 {
		return
	}
	for _, req := range batch {
		if req.Characteristic != e.char {
			e.s.client.Respond(e.pm, batch[0], device.ATTInvalidHandle)
			return
		}
	}

	e.mu.Lock()
	for _, req := range batch {
		if req.Offset > len(e.value) {
			e.mu.Unlock()
			e.s.client.Respond(e.pm, batch[0], device.ATTInvalidOffset)
			return
		}
		e.value = append(append([]byte(nil), e.value[:req.Offset]...), req.Value...)
	}
	value := append([]byte(nil), e.value...)
	e.mu.Unlock()

	e.s.client.Respond(e.pm, batch[0], device.ATTSuccess)
	e.printf("write by %s: %q\n", batch[0].Central, value)

	e.echo.Submit(func() {
		if _, err := e.s.follow(e.s.client.UpdateValue(e.pm, e.char, value), nil); err != nil {
			e.s.logger.WithError(err).Warn("Echo to subscribers failed")
		}
	})
}

func (e *echoServer) onSubscription(ev device.SubscriptionEvent) {
	if ev.Subscribed {
		e.printf("%s subscribed (max %d bytes)\n", ev.Central, ev.MaximumUpdateValueLength)
		return
	}
	e.printf("%s unsubscribed\n", ev.Central)
}

func runAdvertise(cmd *cobra.Command, opts *advertiseOptions) error {
	uuids, err := device.ValidateUUID(opts.service, opts.char)
	if err != nil {
		return err
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	pm, err := openManager(s.cfg, s.logger)
	if err != nil {
		return err
	}

	svcID := device.ServiceID(uuids[0])
	charID := device.CharacteristicID(uuids[0], uuids[1])
	echo := groutine.NewSerial(s.ctx, "echo", s.logger)
	defer func() {
		// A pending echo only returns once the session context is done.
		s.Close()
		echo.Close()
	}()

	srv := &echoServer{
		s:     s,
		pm:    pm,
		char:  charID,
		echo:  echo,
		value: []byte(opts.value),
		out:   s.out,
	}

	// Any of the long-lived streams ending stops the command.
	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	stopOn := func(what string) func(error) {
		return func(err error) {
			if err == nil {
				err = fmt.Errorf("%s ended", what)
			}
			cancel(err)
		}
	}

	added := stream.NewBuffer[device.AttributeID]()
	svcSub := s.client.AddService(pm, device.MutableService{
		ID:      svcID,
		UUID:    uuids[0],
		Primary: true,
		Characteristics: []device.MutableCharacteristic{{
			ID:         charID,
			UUID:       uuids[1],
			Properties: device.PropRead | device.PropWrite | device.PropNotify,
		}},
	}).Subscribe(added)
	defer svcSub.Cancel()
	if _, err := added.Recv(ctx); err != nil {
		return fmt.Errorf("failed to add service %s: %w", svcID, err)
	}

	subs := []*stream.Subscription{
		s.client.ReadRequests(pm).Subscribe(stream.Funcs[*device.ATTRequest]{
			OnNext: srv.onRead, OnComplete: stopOn("read requests"),
		}),
		s.client.WriteRequests(pm).Subscribe(stream.Funcs[[]*device.ATTRequest]{
			OnNext: srv.onWrite, OnComplete: stopOn("write requests"),
		}),
		s.client.Subscriptions(pm).Subscribe(stream.Funcs[device.SubscriptionEvent]{
			OnNext: srv.onSubscription, OnComplete: stopOn("subscriptions"),
		}),
	}
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
	}()

	started := stream.NewBuffer[bool]()
	advSub := s.client.Advertise(pm, device.AdvertisingData{
		LocalName: opts.name,
		Services:  []string{uuids[0]},
	}).Subscribe(started)
	defer advSub.Cancel()
	if _, err := started.Recv(ctx); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	s.logger.WithField("service", svcID).Info("Advertising")
	srv.printf("Advertising %q with service %s, characteristic %s (Ctrl+C to stop)\n", opts.name, uuids[0], charID)

	select {
	case <-advSub.Done():
		if _, err := started.Terminated(); err != nil {
			return fmt.Errorf("advertising stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != s.ctx.Err() {
			return cause
		}
		return nil
	}
}
