package machine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/connection"
	"github.com/openfab/fablink/internal/logging"
)

// Machine is the protocol-agnostic command facade a caller uses instead of
// talking to a Connection directly. It exclusively owns exactly one
// Connection: the two are created together and destroyed together.
//
// Commands are not serialized here; a caller must not issue overlapping
// lifecycle commands on the same Machine. The state guards make out-of-order
// calls fail safely rather than corrupt state, but they are not a mutex.
type Machine struct {
	id          string
	machineType MachineType
	conn        connection.Connection
	caps        map[Capability]struct{}

	mu         sync.Mutex
	state      State
	currentJob string
}

// New creates a Machine bound to the given connection. The connection must
// not be shared with another Machine. Construction fails on missing
// arguments so misconfiguration is caught before any device I/O.
func New(id string, machineType MachineType, conn connection.Connection, caps ...Capability) (*Machine, error) {
	if id == "" {
		return nil, fmt.Errorf("machine id must not be empty")
	}
	if conn == nil {
		return nil, fmt.Errorf("machine requires a connection")
	}
	if machineType == "" {
		machineType = TypeUnknown
	}

	capSet := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}

	return &Machine{
		id:          id,
		machineType: machineType,
		conn:        conn,
		caps:        capSet,
		state:       StateIdle,
	}, nil
}

// ID returns the machine identifier.
func (m *Machine) ID() string { return m.id }

// Type returns the machine classification.
func (m *Machine) Type() MachineType { return m.machineType }

// Connection returns the owned connection, for health inspection only.
func (m *Machine) Connection() connection.Connection { return m.conn }

// CurrentState returns the job-lifecycle state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasCapability reports whether the machine advertises the capability.
func (m *Machine) HasCapability(c Capability) bool {
	_, ok := m.caps[c]
	return ok
}

// Capabilities returns the advertised capability set.
func (m *Machine) Capabilities() []Capability {
	caps := make([]Capability, 0, len(m.caps))
	for c := range m.caps {
		caps = append(caps, c)
	}
	return caps
}

// Start begins a job. Only valid from Idle; a guard violation performs no
// I/O and leaves the state unchanged. The file is optional when a job is
// already selected on the device.
func (m *Machine) Start(ctx context.Context, file string) connection.Result {
	if res, ok := m.guard(StateIdle); !ok {
		return res
	}

	var params map[string]any
	if file != "" {
		params = map[string]any{"file": file}
	}
	result := m.conn.SendCommand(ctx, connection.CmdStart, params)
	if result.Success {
		m.transition(StatePrinting)
		m.setCurrentJob(file)
	}
	return result
}

// Pause suspends a running job. Only valid from Printing.
func (m *Machine) Pause(ctx context.Context) connection.Result {
	if res, ok := m.guard(StatePrinting); !ok {
		return res
	}
	result := m.conn.SendCommand(ctx, connection.CmdPause, nil)
	if result.Success {
		m.transition(StatePaused)
	}
	return result
}

// Resume continues a paused job. Only valid from Paused.
func (m *Machine) Resume(ctx context.Context) connection.Result {
	if res, ok := m.guard(StatePaused); !ok {
		return res
	}
	result := m.conn.SendCommand(ctx, connection.CmdResume, nil)
	if result.Success {
		m.transition(StatePrinting)
	}
	return result
}

// Cancel aborts the current job. Valid from Printing or Paused. Cancelled is
// terminal.
func (m *Machine) Cancel(ctx context.Context) connection.Result {
	if res, ok := m.guard(StatePrinting, StatePaused); !ok {
		return res
	}
	result := m.conn.SendCommand(ctx, connection.CmdCancel, nil)
	if result.Success {
		m.transition(StateCancelled)
		m.setCurrentJob("")
	}
	return result
}

// Home homes the given axes, or all axes when none are given. No state
// guard: homing is allowed whenever the device accepts it.
func (m *Machine) Home(ctx context.Context, axes ...string) connection.Result {
	var params map[string]any
	if len(axes) > 0 {
		params = map[string]any{"axes": axes}
	}
	return m.conn.SendCommand(ctx, connection.CmdHome, params)
}

// Jog moves one axis by a signed distance. Speed 0 uses the device default.
func (m *Machine) Jog(ctx context.Context, axis string, distance, speed float64) connection.Result {
	params := map[string]any{"axis": axis, "distance": distance}
	if speed > 0 {
		params["speed"] = speed
	}
	return m.conn.SendCommand(ctx, connection.CmdJog, params)
}

// SetTemperature sets the target for a heating zone in degrees Celsius.
func (m *Machine) SetTemperature(ctx context.Context, zone string, target float64) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdSetTemperature, map[string]any{
		"zone":   zone,
		"target": target,
	})
}

// EmergencyStop halts the machine immediately. It is the one command with
// no precondition: it is accepted in every state, bypasses all guards and
// forces the state to Error. Delivery is best-effort; the result is always
// a success so a safety stop can never be reported as refused.
func (m *Machine) EmergencyStop(ctx context.Context) connection.Result {
	result := m.conn.SendCommand(ctx, connection.CmdEmergencyStop, nil)

	m.mu.Lock()
	m.state = StateError
	m.currentJob = ""
	m.mu.Unlock()

	logging.Warn("Emergency stop",
		zap.String("machine", m.id),
		zap.Bool("delivered", result.Success),
	)

	return connection.OK(map[string]any{
		"state":     string(StateError),
		"delivered": result.Success,
	})
}

// Temperatures queries the current zone temperatures.
func (m *Machine) Temperatures(ctx context.Context) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdGetTemps, nil)
}

// Progress queries job completion.
func (m *Machine) Progress(ctx context.Context) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdGetProgress, nil)
}

// TimeRemaining queries the estimated remaining job time.
func (m *Machine) TimeRemaining(ctx context.Context) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdGetJob, nil)
}

// CurrentJob returns the locally tracked job name plus whatever the device
// reports.
func (m *Machine) CurrentJob(ctx context.Context) connection.Result {
	result := m.conn.SendCommand(ctx, connection.CmdGetJob, nil)
	if result.Success {
		m.mu.Lock()
		job := m.currentJob
		m.mu.Unlock()
		if job != "" {
			if result.Data == nil {
				result.Data = make(map[string]any)
			}
			result.Data["selected_file"] = job
		}
	}
	return result
}

// UploadFile stores a file on the device.
func (m *Machine) UploadFile(ctx context.Context, name string, content []byte) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdUploadFile, map[string]any{
		"file":    name,
		"content": content,
	})
}

// ListFiles lists files stored on the device.
func (m *Machine) ListFiles(ctx context.Context) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdListFiles, nil)
}

// DeleteFile removes a file from the device.
func (m *Machine) DeleteFile(ctx context.Context, name string) connection.Result {
	return m.conn.SendCommand(ctx, connection.CmdDeleteFile, map[string]any{"file": name})
}

// guard checks the current state against the allowed set. On violation it
// returns a local, recoverable failure; no I/O is attempted and the state
// is left unchanged.
func (m *Machine) guard(allowed ...State) (connection.Result, bool) {
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()

	for _, s := range allowed {
		if current == s {
			return connection.Result{}, true
		}
	}

	msg := fmt.Sprintf("Cannot %s: machine is %s", allowedVerb(allowed), current)
	return connection.Fail(msg, connection.CodeInvalidState), false
}

// allowedVerb names the operation being guarded from its precondition set,
// purely for error messages.
func allowedVerb(allowed []State) string {
	if len(allowed) == 1 {
		switch allowed[0] {
		case StateIdle:
			return "start"
		case StatePrinting:
			return "pause"
		case StatePaused:
			return "resume"
		}
	}
	return "cancel"
}

func (m *Machine) transition(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	logging.Debug("Machine state transition",
		zap.String("machine", m.id),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
}

func (m *Machine) setCurrentJob(job string) {
	m.mu.Lock()
	m.currentJob = job
	m.mu.Unlock()
}
