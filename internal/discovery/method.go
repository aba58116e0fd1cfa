package discovery

import "context"

// Method is one pluggable discovery probe. Discover is a side-effect-free
// pass that returns whatever the probe currently knows; it must not block
// the caller beyond its own probe duration (the service additionally bounds
// each probe with a per-method timeout).
//
// Event-driven probes (mDNS) return a snapshot of their internal seen-set
// rather than performing a fresh synchronous scan.
type Method interface {
	// Name identifies the probe in logs and metadata.
	Name() string

	// Discover returns the machines found in one pass. An error marks the
	// pass as failed for this method only; other methods still run.
	Discover(ctx context.Context) ([]DiscoveredMachine, error)
}
