package discovery

import (
	"fmt"
	"time"

	"github.com/openfab/fablink/internal/machine"
)

// Protocol identifies the transport a discovered machine is reachable over.
type Protocol string

const (
	ProtocolSerial    Protocol = "serial"
	ProtocolHTTP      Protocol = "http"
	ProtocolOctoPrint Protocol = "octoprint"
)

// Connection parameter keys used in DiscoveredMachine.ConnectionParams.
const (
	ParamPort    = "port"     // serial device path
	ParamBaud    = "baud"     // serial baud rate
	ParamBaseURL = "base_url" // HTTP base URL
	ParamAPIKey  = "api_key"  // reference to an API key, never the key itself
)

// DiscoveredMachine is one sighting of a machine produced by a discovery
// probe. Identity is defined solely by DiscoveryID so repeated sightings of
// the same device coalesce. Records are not persisted by this subsystem;
// long-term storage belongs to the caller.
type DiscoveredMachine struct {
	// DiscoveryID is the stable identity key (e.g. "serial:CZPX1234",
	// "mdns:e8c3...", "net:192.168.1.50:80")
	DiscoveryID string

	// Name is a human-readable label for pick lists
	Name string

	// Type classifies the equipment when the probe can tell
	Type machine.MachineType

	// Protocol selects the Connection variant to construct
	Protocol Protocol

	// ConnectionParams carries what that variant needs (port path, base
	// URL, credentials reference)
	ConnectionParams map[string]string

	// Metadata carries vendor/product IDs, serial numbers and decoded
	// TXT-record properties
	Metadata map[string]string

	// LastSeen is when the record was produced or refreshed
	LastSeen time.Time
}

// Equal reports identity, which is defined solely by DiscoveryID.
func (m DiscoveredMachine) Equal(other DiscoveredMachine) bool {
	return m.DiscoveryID == other.DiscoveryID
}

// String returns a human-readable one-line description.
func (m DiscoveredMachine) String() string {
	return fmt.Sprintf("%s (%s via %s)", m.Name, m.DiscoveryID, m.Protocol)
}

// Param retrieves a connection parameter, or empty string if absent.
func (m DiscoveredMachine) Param(key string) string {
	if m.ConnectionParams == nil {
		return ""
	}
	return m.ConnectionParams[key]
}

// changedFrom reports whether the record differs materially from a previous
// sighting of the same machine. LastSeen alone is not a material change.
func (m DiscoveredMachine) changedFrom(prev DiscoveredMachine) bool {
	if m.Name != prev.Name || m.Type != prev.Type || m.Protocol != prev.Protocol {
		return true
	}
	return !mapsEqual(m.ConnectionParams, prev.ConnectionParams) ||
		!mapsEqual(m.Metadata, prev.Metadata)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
