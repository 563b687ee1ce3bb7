package device

import (
	"maps"
	"time"
)

// Device is a registered IoT device.
type Device struct {
	// ID is assigned by the store on registration and never changes.
	ID int64 `json:"id"`

	// Serial is the manufacturer serial number. Unique and non-blank.
	Serial string `json:"serial"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// DeviceCommand is an instruction forwarded to a device. The dispatcher
// does not interpret it and it is never stored.
type DeviceCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// commandMessage is the payload published on a device's command topic.
type commandMessage struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

func newCommandMessage(id string, cmd DeviceCommand, sentAt time.Time) commandMessage {
	return commandMessage{
		ID:         id,
		Command:    cmd.Command,
		Parameters: maps.Clone(cmd.Parameters),
		SentAt:     sentAt,
	}
}

// Receipt confirms a command was handed to the messaging backend. It does
// not mean the device received or executed it.
type Receipt struct {
	CommandID string    `json:"command_id"`
	DeviceID  int64     `json:"device_id"`
	Serial    string    `json:"serial"`
	Command   string    `json:"command"`
	Topic     string    `json:"topic"`
	SentAt    time.Time `json:"sent_at"`
}
