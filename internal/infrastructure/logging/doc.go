// Package logging provides structured logging for IoT Manager.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text for development, with service and version attached
// to every record.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("device registered", "id", dev.ID, "serial", dev.Serial)
//
// Never log broker passwords or InfluxDB tokens.
package logging
