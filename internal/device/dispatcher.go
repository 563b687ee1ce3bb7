package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageBackend is the publish/subscribe transport the dispatcher uses.
// *mqtt.Client satisfies it.
type MessageBackend interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// TopicScheme maps a device serial to its topics. mqtt.Topics satisfies it.
type TopicScheme interface {
	DeviceCommand(serial string) string
	DeviceEvents(serial string) string
}

// DeviceLookup resolves a device ID. *Registry satisfies it.
type DeviceLookup interface {
	GetDevice(ctx context.Context, id int64) (*Device, error)
}

// MessageHandler receives messages a device published on its events topic.
type MessageHandler func(serial string, payload []byte)

// Dispatcher sends commands to devices and listens for their messages.
// It is safe for concurrent use.
type Dispatcher struct {
	backend MessageBackend
	devices DeviceLookup
	topics  TopicScheme
	qos     byte

	handler   MessageHandler
	handlerMu sync.RWMutex

	logger Logger

	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a dispatcher publishing at qos.
func NewDispatcher(backend MessageBackend, devices DeviceLookup, topics TopicScheme, qos byte) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		devices: devices,
		topics:  topics,
		qos:     qos,
		logger:  noopLogger{},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMessageHandler sets the handler for inbound device messages.
func (d *Dispatcher) SetMessageHandler(h MessageHandler) {
	d.handlerMu.Lock()
	d.handler = h
	d.handlerMu.Unlock()
}

// Subscribe starts listening on the events topic of serial. A backend
// failure is returned wrapped in ErrTransport and is not retried.
func (d *Dispatcher) Subscribe(ctx context.Context, serial string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := d.topics.DeviceEvents(serial)
	if err := d.backend.Subscribe(topic, d.qos, d.eventHandler(serial)); err != nil {
		return fmt.Errorf("%w: subscribing to %s: %w", ErrTransport, topic, err)
	}
	d.logger.Debug("subscribed to device events", "serial", serial, "topic", topic)
	return nil
}

// Unsubscribe stops listening on the events topic of serial.
func (d *Dispatcher) Unsubscribe(ctx context.Context, serial string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := d.topics.DeviceEvents(serial)
	if err := d.backend.Unsubscribe(topic); err != nil {
		return fmt.Errorf("%w: unsubscribing from %s: %w", ErrTransport, topic, err)
	}
	return nil
}

// RestoreSubscriptions subscribes to every serial, continuing past
// failures. It returns how many succeeded and the joined errors.
func (d *Dispatcher) RestoreSubscriptions(ctx context.Context, serials []string) (int, error) {
	var (
		restored int
		errs     []error
	)
	for _, serial := range serials {
		if err := d.Subscribe(ctx, serial); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

// Dispatch publishes cmd to the command topic of device id. The device is
// resolved first; an unknown id returns ErrDeviceNotFound without touching
// the backend. It does not wait for the device to respond and does not
// retry; a backend failure is returned wrapped in ErrTransport.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64, cmd DeviceCommand) (*Receipt, error) {
	dev, err := d.devices.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		CommandID: d.newID(),
		DeviceID:  dev.ID,
		Serial:    dev.Serial,
		Command:   cmd.Command,
		Topic:     d.topics.DeviceCommand(dev.Serial),
		SentAt:    d.now(),
	}

	payload, err := json.Marshal(newCommandMessage(receipt.CommandID, cmd, receipt.SentAt))
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	if err := d.backend.Publish(receipt.Topic, payload, d.qos, false); err != nil {
		return nil, fmt.Errorf("%w: publishing to %s: %w", ErrTransport, receipt.Topic, err)
	}

	d.logger.Info("command dispatched",
		"device_id", dev.ID,
		"serial", dev.Serial,
		"command", cmd.Command,
		"command_id", receipt.CommandID,
	)
	return receipt, nil
}

func (d *Dispatcher) eventHandler(serial string) func(topic string, payload []byte) error {
	return func(_ string, payload []byte) error {
		d.handlerMu.RLock()
		h := d.handler
		d.handlerMu.RUnlock()
		if h == nil {
			return nil
		}
		h(serial, append([]byte(nil), payload...))
		return nil
	}
}
