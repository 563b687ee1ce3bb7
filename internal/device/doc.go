// Package device is the device registry and command dispatcher.
//
// The Registry is the catalogue of devices known to IoT Manager. Each
// device has a store-assigned numeric ID and a serial number that is
// unique across all devices at all times and never blank. The Registry
// enforces that under a single write lock, backed by a UNIQUE index in
// SQLite or a serial index bucket in Bolt.
//
// The Dispatcher forwards commands to devices over the messaging backend
// (MQTT in production). Registering a device subscribes the dispatcher to
// the device's events topic; dispatching a command publishes it to the
// device's command topic without waiting for a reply.
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	dispatcher := device.NewDispatcher(backend, registry, topics, qos)
//	registry.SetSubscriber(dispatcher)
//
//	dev, err := registry.RegisterDevice(ctx, device.Device{Serial: "SN-001"})
//	receipt, err := dispatcher.Dispatch(ctx, dev.ID, device.DeviceCommand{Command: "reboot"})
//
// Errors are sentinels checked with errors.Is: ErrDeviceNotFound,
// ErrInvalidSerial, ErrSerialConflict and ErrTransport.
package device
