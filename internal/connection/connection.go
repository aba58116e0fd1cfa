package connection

import "context"

// Machine command vocabulary understood by every Connection. Each transport
// maps these onto its own wire protocol (G-code over serial, REST calls for
// OctoPrint, a JSON envelope for generic HTTP).
const (
	CmdStart          = "start"
	CmdPause          = "pause"
	CmdResume         = "resume"
	CmdCancel         = "cancel"
	CmdHome           = "home"
	CmdJog            = "jog"
	CmdSetTemperature = "set_temperature"
	CmdEmergencyStop  = "emergency_stop"
	CmdGetState       = "get_state"
	CmdGetTemps       = "get_temperatures"
	CmdGetProgress    = "get_progress"
	CmdGetJob         = "get_job"
	CmdUploadFile     = "upload_file"
	CmdListFiles      = "list_files"
	CmdDeleteFile     = "delete_file"
)

// Temperature zone identifiers accepted by CmdSetTemperature.
const (
	ZoneHotend = "hotend"
	ZoneBed    = "bed"
)

// Connection is a live transport binding to one physical or virtual device.
// A Connection is exclusively owned by one Machine; reconnecting a device
// means constructing a new Connection, not mutating one in place.
//
// SendCommand must fail fast with CodeConnectionError while disconnected and
// never attempt I/O in that case. Every method that does perform I/O marks
// the connection state exactly once on completion.
type Connection interface {
	// Connect establishes the transport and runs any identification
	// handshake. A handshake rejection is an error, not a panic.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down. Safe to call when already
	// disconnected.
	Disconnect() error

	// IsConnected reports whether the transport is currently established.
	IsConnected() bool

	// SendCommand dispatches one command from the vocabulary above.
	SendCommand(ctx context.Context, command string, params map[string]any) Result

	// State returns a snapshot of the health counters.
	State() Snapshot

	// Target identifies the peer (port path or base URL) for logging.
	Target() string
}
