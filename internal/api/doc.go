// Package api implements the HTTP REST API and WebSocket server for IoT Manager.
//
// This package provides:
//   - REST endpoints for device CRUD and device commands under /api
//   - WebSocket hub for real-time device lifecycle and message broadcasts
//   - Audit log queries
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between HTTP clients and the device registry plus the
// command dispatcher. Commands flow from the API to devices via MQTT, and
// messages published by devices flow back through the dispatcher and are
// broadcast to WebSocket clients.
//
// # Errors
//
// Every error response uses the same JSON envelope:
//
//	{"status": 409, "code": "conflict", "message": "a device with this serial already exists"}
//
// Domain errors from the device package are mapped to status codes in one
// place (writeDeviceError).
package api
