package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Logger defines the logging interface used by the Registry and Dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Subscriber attaches and detaches the messaging subscription for a
// device serial. The Dispatcher implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, serial string) error
	Unsubscribe(ctx context.Context, serial string) error
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(context.Context, string) error   { return nil }
func (noopSubscriber) Unsubscribe(context.Context, string) error { return nil }

// Registry manages devices with an in-memory cache over a Repository.
//
// Reads are served from the cache once RefreshCache has run. Every write
// holds writeMu for the whole check-then-store sequence, so two concurrent
// registrations of one serial cannot both succeed.
type Registry struct {
	repo Repository

	cache       map[int64]*Device
	cacheLoaded bool
	cacheMu     sync.RWMutex

	writeMu sync.Mutex

	subscriber Subscriber
	logger     Logger
}

// NewRegistry creates a registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:       repo,
		cache:      make(map[int64]*Device),
		subscriber: noopSubscriber{},
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetSubscriber sets the subscriber notified of registrations, serial
// changes and deletions. Call before serving requests.
func (r *Registry) SetSubscriber(s Subscriber) {
	if s == nil {
		s = noopSubscriber{}
	}
	r.subscriber = s
}

// RefreshCache reloads all devices from the repository. Call on startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[int64]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].DeepCopy()
	}
	r.cacheLoaded = true

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// ListDevices returns all devices ordered by ID.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	if r.cacheLoaded {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d)
		}
		r.cacheMu.RUnlock()
		slices.SortFunc(devices, func(a, b Device) int { return compareIDs(a.ID, b.ID) })
		return devices, nil
	}
	r.cacheMu.RUnlock()

	return r.repo.List(ctx)
}

func compareIDs(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// GetDevice returns the device with id, or ErrDeviceNotFound. The result
// is a copy the caller may modify.
func (r *Registry) GetDevice(ctx context.Context, id int64) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	loaded := r.cacheLoaded
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	if loaded {
		// The cache holds every device once loaded.
		return nil, ErrDeviceNotFound
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheMu.Lock()
	r.cache[id] = d.DeepCopy()
	r.cacheMu.Unlock()
	return d, nil
}

// RegisterDevice stores a new device and subscribes to its events.
// Any ID on candidate is ignored.
//
// Returns ErrInvalidSerial for a blank serial and ErrSerialConflict when
// the serial is taken. If the subscription fails the device is removed
// again and the error, wrapping ErrTransport, is returned.
func (r *Registry) RegisterDevice(ctx context.Context, candidate Device) (*Device, error) {
	if err := ValidateSerial(candidate.Serial); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.ensureSerialFree(ctx, candidate.Serial, 0); err != nil {
		return nil, err
	}

	dev := &Device{Serial: candidate.Serial}
	if err := r.repo.Create(ctx, dev); err != nil {
		return nil, err
	}

	if err := r.subscriber.Subscribe(ctx, dev.Serial); err != nil {
		if delErr := r.repo.Delete(context.WithoutCancel(ctx), dev.ID); delErr != nil {
			r.logger.Error("failed to roll back device after subscribe failure",
				"id", dev.ID, "serial", dev.Serial, "error", delErr)
		}
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[dev.ID] = dev.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "id", dev.ID, "serial", dev.Serial)
	return dev.DeepCopy(), nil
}

// UpdateDevice replaces the serial of device id with candidate.Serial and
// reports whether anything changed.
//
// Returns ErrDeviceNotFound, ErrInvalidSerial, or ErrSerialConflict when a
// different device holds the serial. Keeping the same serial is a no-op:
// the stored device is returned untouched with changed false.
//
// A new serial is subscribed before the change is stored. If that fails
// the device keeps its old serial and the error, wrapping ErrTransport, is
// returned.
func (r *Registry) UpdateDevice(ctx context.Context, id int64, candidate Device) (dev *Device, changed bool, err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	existing, err := r.GetDevice(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if err := ValidateSerial(candidate.Serial); err != nil {
		return nil, false, err
	}
	if existing.Serial == candidate.Serial {
		return existing, false, nil
	}
	if err := r.ensureSerialFree(ctx, candidate.Serial, id); err != nil {
		return nil, false, err
	}

	if err := r.subscriber.Subscribe(ctx, candidate.Serial); err != nil {
		return nil, false, err
	}

	updated := existing.DeepCopy()
	updated.Serial = candidate.Serial
	if err := r.repo.Update(ctx, updated); err != nil {
		if unsubErr := r.subscriber.Unsubscribe(context.WithoutCancel(ctx), candidate.Serial); unsubErr != nil {
			r.logger.Warn("failed to release subscription after update failure",
				"serial", candidate.Serial, "error", unsubErr)
		}
		return nil, false, err
	}

	r.cacheMu.Lock()
	r.cache[id] = updated.DeepCopy()
	r.cacheMu.Unlock()

	if err := r.subscriber.Unsubscribe(ctx, existing.Serial); err != nil {
		r.logger.Warn("failed to unsubscribe previous serial", "serial", existing.Serial, "error", err)
	}

	r.logger.Info("device updated", "id", id, "serial", updated.Serial, "previous_serial", existing.Serial)
	return updated, true, nil
}

// DeleteDevice removes device id and returns the removed device. Deleting
// an unknown ID succeeds and returns nil.
func (r *Registry) DeleteDevice(ctx context.Context, id int64) (*Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	existing, err := r.GetDevice(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.repo.Delete(ctx, id); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	if err := r.subscriber.Unsubscribe(ctx, existing.Serial); err != nil {
		r.logger.Warn("failed to unsubscribe deleted device", "id", id, "serial", existing.Serial, "error", err)
	}

	r.logger.Info("device deleted", "id", id, "serial", existing.Serial)
	return existing, nil
}

// ensureSerialFree returns ErrSerialConflict if a device other than
// exceptID uses serial. Callers hold writeMu.
func (r *Registry) ensureSerialFree(ctx context.Context, serial string, exceptID int64) error {
	holder, err := r.repo.GetBySerial(ctx, serial)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking serial: %w", err)
	}
	if holder.ID != exceptID {
		return ErrSerialConflict
	}
	return nil
}

// Serials returns the serials of all devices, ordered by device ID.
func (r *Registry) Serials(ctx context.Context) ([]string, error) {
	devices, err := r.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, len(devices))
	for i, d := range devices {
		serials[i] = d.Serial
	}
	return serials, nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
