// Package discovery finds workshop machines on serial buses and the
// local network.
//
// Three probes implement the Method interface: SerialMethod classifies
// enumerated USB-serial ports by vendor ID and description, MDNSMethod
// browses multicast DNS advertisements, and NetScanMethod sweeps a
// configured CIDR block for hosts answering a known API endpoint.
//
// Service aggregates the probes behind one mutex-guarded cache keyed by
// DiscoveryID. Sightings of the same machine from repeated passes
// coalesce, records expire lazily after a TTL, and subscribers receive
// new or changed machines over buffered channels that drop the oldest
// event rather than block the discovery loop.
package discovery
