// Package logging provides structured logging for fablink.
//
// This package wraps zap logger with convenience functions for common logging
// patterns used throughout the subsystem. It provides both general logging
// functions and specialized functions for transport and discovery logging.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (serial traffic dumps, command dispatch)
//   - Info: Normal operations (connections, discovery events, state changes)
//   - Warn: Non-fatal issues (failed probes, dropped listener events)
//   - Error: Fatal issues (startup failures, critical errors)
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Machine connected",
//	    zap.String("target", "/dev/ttyUSB0"),
//	    zap.String("firmware", "Marlin 2.1.2"),
//	)
//
// # Specialized Logging
//
// The package provides domain-specific logging functions:
//
// Connection Logging:
//
//	logging.LogConnection(target, "connected")
//	logging.LogConnection(target, "handshake_failed")
//	logging.LogConnection(target, "disconnected")
//
// Discovery Logging:
//
//	logging.LogDiscovery("mdns", discoveryID, name)
//
// Serial Traffic Logging:
//
//	logging.LogSerialTraffic(portPath, "sent", data)
//	logging.LogSerialTraffic(portPath, "received", data)
//
// # Configuration
//
// Initialize logging at process startup:
//
//	if err := logging.InitializeFromEnv(); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// By default (FABLINK_LOG_LEVEL unset) logging is silent, so CLI output
// stays clean unless verbosity is explicitly requested.
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. The underlying zap logger
// handles synchronization automatically.
package logging
