// Package machine provides the protocol-agnostic device facade.
//
// A Machine wraps exactly one connection.Connection and exposes lifecycle
// commands (start, pause, resume, cancel, emergency stop), motion and
// temperature control, read-only queries and file operations. Callers issue
// commands against the Machine and translate the returned
// connection.Result into whatever shape their own layer needs.
//
// # State Machine
//
// Job lifecycle follows a small finite state machine:
//
//	Idle -> Printing -> {Paused, Cancelled, Error}
//	Paused -> {Printing, Cancelled}
//
// Guard rules are enforced before any I/O: pausing an idle machine fails
// locally with CodeInvalidState and touches neither the device nor the
// state. EmergencyStop is the single exception with no precondition; it is
// accepted in every state and forces Error.
//
// # Ownership
//
// The Machine exclusively owns its Connection. Reconnecting a device means
// constructing a new Connection and a new Machine; Error and Cancelled are
// therefore terminal states here.
package machine
