package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iotmanager/internal/audit"
	"github.com/nerrad567/iotmanager/internal/device"
)

// WebSocket channels for device events.
const (
	ChannelDeviceRegistered = "device.registered"
	ChannelDeviceUpdated    = "device.updated"
	ChannelDeviceDeleted    = "device.deleted"
	ChannelDeviceCommand    = "device.command"
	ChannelDeviceMessage    = "device.message"
)

// deviceRequest is the body of create and update requests. Only the serial
// is client-writable.
type deviceRequest struct {
	Serial string `json:"serial"`
}

// commandResponse confirms a command was handed to the messaging backend.
type commandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	device.Receipt
}

// parseDeviceID reads the {id} path parameter. It writes a 400 and returns
// false when the parameter is not an integer.
func parseDeviceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "device id must be an integer")
		return 0, false
	}
	return id, true
}

// handleListDevices returns all devices as a JSON array.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		s.writeDeviceError(w, r, err, "")
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		s.writeDeviceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice registers a new device and subscribes to its events.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, err := s.registry.RegisterDevice(r.Context(), device.Device{Serial: req.Serial})
	if err != nil {
		s.writeDeviceError(w, r, err, msgSerialExists)
		return
	}

	s.hub.BroadcastDevice(ChannelDeviceRegistered, dev.Serial, dev)
	s.auditLog(r, audit.ActionCreate, dev.ID, map[string]any{"serial": dev.Serial})

	writeJSON(w, http.StatusOK, dev)
}

// handleUpdateDevice replaces the serial of an existing device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, changed, err := s.registry.UpdateDevice(r.Context(), id, device.Device{Serial: req.Serial})
	if err != nil {
		s.writeDeviceError(w, r, err, msgSerialInUse)
		return
	}

	if changed {
		s.hub.BroadcastDevice(ChannelDeviceUpdated, dev.Serial, dev)
		s.auditLog(r, audit.ActionUpdate, dev.ID, map[string]any{"serial": dev.Serial})
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device. Deleting an unknown ID returns 204
// without an event or audit entry.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}

	removed, err := s.registry.DeleteDevice(r.Context(), id)
	if err != nil {
		s.writeDeviceError(w, r, err, "")
		return
	}

	if removed != nil {
		s.hub.BroadcastDevice(ChannelDeviceDeleted, removed.Serial, removed)
		s.auditLog(r, audit.ActionDelete, id, map[string]any{"serial": removed.Serial})
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceCommand publishes a command to a device. The response only
// confirms the command was sent; it does not wait for the device.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	var cmd device.DeviceCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	receipt, err := s.dispatcher.Dispatch(r.Context(), id, cmd)
	if err != nil {
		s.writeDeviceError(w, r, err, "")
		return
	}

	if s.telemetry != nil {
		s.telemetry.WriteCommand(receipt.Serial, receipt.Command, len(body), receipt.SentAt)
	}
	s.hub.BroadcastDevice(ChannelDeviceCommand, receipt.Serial, receipt)
	s.auditLog(r, audit.ActionCommand, id, map[string]any{
		"command":    cmd.Command,
		"command_id": receipt.CommandID,
		"serial":     receipt.Serial,
	})

	writeJSON(w, http.StatusOK, commandResponse{
		Status:  "sent",
		Message: fmt.Sprintf("command sent to device %s", receipt.Serial),
		Receipt: *receipt,
	})
}

// deviceMessage is broadcast on ChannelDeviceMessage.
type deviceMessage struct {
	Serial     string          `json:"serial"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Raw        string          `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// HandleDeviceMessage relays a message a device published to WebSocket
// clients and telemetry. It is installed with Dispatcher.SetMessageHandler.
// JSON payloads are forwarded as-is; anything else is sent as a string.
func (s *Server) HandleDeviceMessage(serial string, payload []byte) {
	msg := deviceMessage{Serial: serial, ReceivedAt: time.Now().UTC()}
	if json.Valid(payload) {
		msg.Payload = payload
	} else {
		msg.Raw = string(payload)
	}

	s.hub.BroadcastDevice(ChannelDeviceMessage, serial, msg)
	if s.telemetry != nil {
		s.telemetry.WriteDeviceMessage(serial, len(payload), msg.ReceivedAt)
	}
}
