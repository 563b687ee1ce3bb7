package mqtt

import (
	"fmt"
	"strings"
)

// DefaultPrefix is the device topic prefix used when none is configured.
const DefaultPrefix = "iotmanager/devices"

// Topic leaf names under each device.
const (
	leafCommands = "commands"
	leafEvents   = "events"
)

// Topics builds the MQTT topics for devices under a prefix.
//
//	topics := mqtt.NewTopics("iotmanager/devices")
//	topics.DeviceCommand("SN-001") // "iotmanager/devices/SN-001/commands"
//	topics.DeviceEvents("SN-001")  // "iotmanager/devices/SN-001/events"
//
// Serials are escaped so that '/', '+' and '#' cannot add topic levels or
// wildcards; see EscapeSerial.
type Topics struct {
	prefix string
}

// NewTopics returns a topic builder for prefix. Leading and trailing
// slashes are trimmed and an empty prefix falls back to DefaultPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the normalised device prefix.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultPrefix
	}
	return t.prefix
}

// DeviceCommand returns the topic commands for a device are published to.
func (t Topics) DeviceCommand(serial string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix(), EscapeSerial(serial), leafCommands)
}

// DeviceEvents returns the topic a device publishes its messages on.
func (t Topics) DeviceEvents(serial string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix(), EscapeSerial(serial), leafEvents)
}

// SystemStatus returns the retained status topic for this service, under
// the first level of the prefix ("iotmanager/system/status" by default).
func (t Topics) SystemStatus() string {
	root, _, _ := strings.Cut(t.Prefix(), "/")
	return root + "/system/status"
}

// escapedBytes are the characters that cannot appear raw in a topic level.
// '%' is included so that distinct serials never share a topic.
const escapedBytes = "%/+#\x00"

// EscapeSerial percent-encodes the characters of serial that have meaning
// in an MQTT topic. Distinct serials always produce distinct results.
func EscapeSerial(serial string) string {
	if !strings.ContainsAny(serial, escapedBytes) {
		return serial
	}
	var b strings.Builder
	b.Grow(len(serial) + 8)
	for i := 0; i < len(serial); i++ {
		c := serial[i]
		if strings.IndexByte(escapedBytes, c) >= 0 {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
