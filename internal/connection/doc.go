// Package connection provides typed transport bindings to workshop machines.
//
// A Connection is a live binding to one physical or virtual device over one
// of three transports:
//
//   - SerialConnection: a G-code byte stream to a printer or CNC controller,
//     with a firmware-identification handshake on connect
//   - HTTPConnection: a generic JSON command envelope against a base URL
//   - OctoPrintConnection: the OctoPrint REST dialect, including job control,
//     file operations and an optional websocket push-state channel
//
// # Command Results
//
// Every operation reports through the Result envelope. There are exactly two
// construction paths:
//
//	connection.OK(data)
//	connection.Fail("not connected", connection.CodeConnectionError)
//
// Callers branch on Result.ErrorCode, never on message text.
//
// # Health Accounting
//
// Each connection owns a State with retry and failure counters. Methods that
// perform I/O mark the state exactly once per attempt, so
// State().IsHealthy(window) is an accurate liveness signal. SendCommand
// fails fast with CodeConnectionError while disconnected and performs no
// I/O in that case.
//
// # Usage Example
//
//	conn := connection.NewSerialConnection("/dev/ttyUSB0", 115200)
//	if err := conn.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Disconnect()
//
//	result := conn.SendCommand(ctx, connection.CmdGetTemps, nil)
//	if !result.Success {
//	    log.Printf("query failed: %s (%s)", result.ErrorMessage, result.ErrorCode)
//	}
//
// # Ownership
//
// A Connection is exclusively owned by one machine facade and must never be
// shared. Reconnecting a device means constructing a new Connection rather
// than mutating one in place across a device-identity change.
package connection
