// Package mqtt connects IoT Manager to its MQTT broker.
//
// The broker is the messaging backend for device commands: the dispatcher
// publishes each command to the device's command topic and subscribes to
// its events topic.
//
//	{prefix}/{serial}/commands   service -> device
//	{prefix}/{serial}/events     device  -> service
//	{root}/system/status         retained online/offline status (with LWT)
//
// The client reconnects automatically and restores its subscriptions.
// Operations on a disconnected client fail fast with ErrNotConnected.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.DeviceEvents("SN-001"), 1, func(topic string, payload []byte) error {
//	    return nil
//	})
//	err = client.Publish(topics.DeviceCommand("SN-001"), []byte(`{"command":"reboot"}`), 1, false)
package mqtt
