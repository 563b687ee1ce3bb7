package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCommands = "device_commands"
	MeasurementMessages = "device_messages"
)

// WriteCommand records a command dispatched to a device.
func (c *Client) WriteCommand(serial, command string, payloadBytes int, at time.Time) {
	c.WritePointWithTime(MeasurementCommands,
		map[string]string{
			"serial":  serial,
			"command": command,
		},
		map[string]any{
			"count":         1,
			"payload_bytes": payloadBytes,
		},
		at,
	)
}

// WriteDeviceMessage records a message received from a device.
func (c *Client) WriteDeviceMessage(serial string, payloadBytes int, at time.Time) {
	c.WritePointWithTime(MeasurementMessages,
		map[string]string{"serial": serial},
		map[string]any{"bytes": payloadBytes},
		at,
	)
}

// WritePoint writes an arbitrary point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes an arbitrary point. It never blocks; points
// written while disconnected are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
