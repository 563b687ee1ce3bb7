// Package influxdb records device activity as time-series points.
//
// Two measurements are written:
//
//	device_commands  tags: serial, command   fields: count, payload_bytes
//	device_messages  tags: serial            fields: bytes
//
// Writes are non-blocking and batched by the InfluxDB client; failures
// surface asynchronously through SetOnError. InfluxDB is optional and
// disabled by default; Connect returns ErrDisabled when it is off.
package influxdb
