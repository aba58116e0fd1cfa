package machine

// State is the job-lifecycle state of a machine. Transitions only happen
// through the command methods on Machine:
//
//	Idle -> Printing -> {Paused, Cancelled, Error}
//	Paused -> {Printing, Cancelled}
//
// Error and Cancelled are terminal: recovering a machine means constructing
// a new Machine (and Connection), not mutating this one back to Idle.
type State string

const (
	StateIdle      State = "idle"
	StatePrinting  State = "printing"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// Terminal reports whether the state admits no further job transitions.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateError
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// MachineType classifies the kind of equipment behind a connection.
type MachineType string

const (
	TypePrinter3D MachineType = "3d_printer"
	TypeCNC       MachineType = "cnc"
	TypeUnknown   MachineType = "unknown"
)

// Capability is an advertised machine feature. The set is informational;
// command methods do not gate on it.
type Capability string

const (
	CapPrint3D   Capability = "print3d"
	CapCNC       Capability = "cnc"
	CapHeatedBed Capability = "heated_bed"
	CapFiles     Capability = "files"
	CapJog       Capability = "jog"
)
