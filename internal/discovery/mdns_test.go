package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/openfab/fablink/internal/machine"
)

// fakeBrowse returns a browseFunc that feeds the given entries and then
// closes the channel, the way a real browse does at context expiry.
func fakeBrowse(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			defer close(out)
			for _, e := range entries {
				out <- e
			}
		}()
		return nil
	}
}

func octoEntry(instance, host string, port int, txt ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance},
		HostName:      host,
		Port:          port,
		Text:          txt,
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.50")},
	}
}

func TestMDNSMethod_Discover(t *testing.T) {
	method := NewMDNSMethod("", "", 50*time.Millisecond)
	method.browse = fakeBrowse(
		octoEntry("voron", "voron.local.", 5000,
			"uuid=e8c3a1", "type=3d_printer", "name=Voron 2.4", "path=/", "api=octoprint", "caps=print3d,heated_bed"),
	)

	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("Discover() found %d machines, want 1", len(machines))
	}

	m := machines[0]
	if m.DiscoveryID != "mdns:e8c3a1" {
		t.Errorf("DiscoveryID = %q, want uuid-based identity", m.DiscoveryID)
	}
	if m.Name != "Voron 2.4" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Type != machine.TypePrinter3D {
		t.Errorf("Type = %v", m.Type)
	}
	if m.Protocol != ProtocolOctoPrint {
		t.Errorf("Protocol = %v, want octoprint", m.Protocol)
	}
	if got := m.Param(ParamBaseURL); got != "http://192.168.1.50:5000" {
		t.Errorf("Param(base_url) = %q", got)
	}
	if m.Metadata["txt_caps"] != "print3d,heated_bed" {
		t.Errorf("Metadata[txt_caps] = %q", m.Metadata["txt_caps"])
	}
}

func TestMDNSMethod_IdentityFallsBackToHostPort(t *testing.T) {
	method := NewMDNSMethod("_octoprint._tcp", "local.", 50*time.Millisecond)
	method.browse = fakeBrowse(octoEntry("anonymous", "printer.local.", 80))

	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("found %d machines, want 1", len(machines))
	}
	if machines[0].DiscoveryID != "mdns:192.168.1.50:80" {
		t.Errorf("DiscoveryID = %q, want host:port fallback", machines[0].DiscoveryID)
	}
}

func TestMDNSMethod_SeenSetSurvivesMissedPass(t *testing.T) {
	method := NewMDNSMethod("", "", 50*time.Millisecond)
	method.browse = fakeBrowse(octoEntry("voron", "voron.local.", 5000, "uuid=e8c3a1"))

	if _, err := method.Discover(context.Background()); err != nil {
		t.Fatalf("first pass error = %v", err)
	}

	// Second pass sees nothing; the machine must still be reported from
	// the seen-set
	method.browse = fakeBrowse()
	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("second pass error = %v", err)
	}
	if len(machines) != 1 {
		t.Errorf("seen-set lost machine after empty pass: %d entries", len(machines))
	}
}

func TestMDNSMethod_SeenSetPrunesVanishedMachines(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	method := NewMDNSMethod("", "", 50*time.Millisecond)
	method.now = func() time.Time { return base }
	method.browse = fakeBrowse(octoEntry("voron", "voron.local.", 5000, "uuid=e8c3a1"))

	if _, err := method.Discover(context.Background()); err != nil {
		t.Fatalf("first pass error = %v", err)
	}

	// The machine stops announcing; once its last sighting ages past the
	// retention window it must drop out of snapshots instead of being
	// reported forever with its original timestamp
	method.browse = fakeBrowse()
	method.now = func() time.Time { return base.Add(6 * time.Minute) }

	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("second pass error = %v", err)
	}
	if len(machines) != 0 {
		t.Errorf("vanished machine still reported %v after its last announcement: %v",
			6*time.Minute, machines)
	}
}

func TestMDNSMethod_EntryWithoutAddressDropped(t *testing.T) {
	entry := octoEntry("ghost", "ghost.local.", 80)
	entry.AddrIPv4 = nil

	method := NewMDNSMethod("", "", 50*time.Millisecond)
	method.browse = fakeBrowse(entry)

	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(machines) != 0 {
		t.Errorf("addressless entry produced %d machines, want 0", len(machines))
	}
}

func TestMDNSMethod_BrowseError(t *testing.T) {
	method := NewMDNSMethod("", "", 50*time.Millisecond)
	method.browse = func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		return errors.New("no multicast interface")
	}

	if _, err := method.Discover(context.Background()); err == nil {
		t.Error("Discover() succeeded despite browse failure")
	}
}
