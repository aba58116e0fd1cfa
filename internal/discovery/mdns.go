package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/logging"
	"github.com/openfab/fablink/internal/machine"
)

const (
	// DefaultServiceType is the mDNS service type browsed by default.
	// OctoPrint instances advertise under it out of the box.
	DefaultServiceType = "_octoprint._tcp"

	// DefaultServiceDomain is the mDNS domain (typically "local.")
	DefaultServiceDomain = "local."

	// DefaultBrowseTimeout bounds one browse pass
	DefaultBrowseTimeout = 5 * time.Second

	// DefaultServicePort is assumed when the advertisement omits one
	DefaultServicePort = 80
)

// TXT record keys recognized on advertised services.
const (
	txtKeyUUID = "uuid" // stable machine identity
	txtKeyType = "type" // machine type ("3d_printer", "cnc")
	txtKeyName = "name" // display name override
	txtKeyPath = "path" // API base path
	txtKeyAPI  = "api"  // API flavor ("octoprint" selects the OctoPrint client)
	txtKeyCaps = "caps" // comma-separated capability hints
)

// browseFunc matches zeroconf.Resolver.Browse and is replaceable in tests.
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSMethod discovers network machines advertised over multicast DNS.
// Each Discover call runs one bounded browse pass and folds the results
// into a seen-set, so machines keep appearing in snapshots even when a
// single pass misses their (unreliable) multicast announcement. Entries
// not re-announced within maxAge are pruned, so a machine that left the
// network stops being reported.
type MDNSMethod struct {
	serviceType string
	domain      string
	timeout     time.Duration
	maxAge      time.Duration

	browse browseFunc
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]DiscoveredMachine
}

// NewMDNSMethod creates the mDNS probe. Empty serviceType or domain fall
// back to the defaults.
func NewMDNSMethod(serviceType, domain string, timeout time.Duration) *MDNSMethod {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	if domain == "" {
		domain = DefaultServiceDomain
	}
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	return &MDNSMethod{
		serviceType: serviceType,
		domain:      domain,
		timeout:     timeout,
		maxAge:      DefaultRecordTTL,
		browse:      browseWithResolver,
		now:         time.Now,
		seen:        make(map[string]DiscoveredMachine),
	}
}

// browseWithResolver is the production browse implementation.
func browseWithResolver(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Name identifies the probe.
func (m *MDNSMethod) Name() string { return "mdns" }

// Discover runs one browse pass and returns the accumulated seen-set.
// A browse error on a pass leaves previous sightings intact.
func (m *MDNSMethod) Discover(ctx context.Context) ([]DiscoveredMachine, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			record, ok := m.parseServiceEntry(entry)
			if !ok {
				continue
			}
			m.remember(record)
			logging.LogDiscovery(m.Name(), record.DiscoveryID, record.Name)
		}
	}()

	if err := m.browse(ctx, m.serviceType, m.domain, entries); err != nil {
		// Browse failed before taking ownership of the channel
		close(entries)
		<-done
		return m.snapshot(), err
	}

	// Browse closes the entries channel when the context expires, which
	// ends the reader goroutine
	<-done

	machines := m.snapshot()
	logging.Debug("mDNS browse pass complete",
		zap.String("service", m.serviceType),
		zap.Int("known", len(machines)),
	)
	return machines, nil
}

// remember folds one sighting into the seen-set.
func (m *MDNSMethod) remember(record DiscoveredMachine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[record.DiscoveryID] = record
}

// snapshot copies the seen-set for callers, pruning entries that have not
// been re-announced within maxAge.
func (m *MDNSMethod) snapshot() []DiscoveredMachine {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.maxAge)
	machines := make([]DiscoveredMachine, 0, len(m.seen))
	for id, record := range m.seen {
		if record.LastSeen.Before(cutoff) {
			delete(m.seen, id)
			continue
		}
		machines = append(machines, record)
	}
	return machines
}

// parseServiceEntry converts a zeroconf service entry into a machine
// record. Entries with no resolvable address are dropped.
func (m *MDNSMethod) parseServiceEntry(entry *zeroconf.ServiceEntry) (DiscoveredMachine, bool) {
	// Prefer IPv4
	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return DiscoveredMachine{}, false
	}

	port := entry.Port
	if port == 0 {
		port = DefaultServicePort
	}
	hostPort := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	// TXT records are "key=value"; a bare key maps to empty string
	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else {
			txt[parts[0]] = ""
		}
	}

	// Stable identity comes from the advertised uuid when present;
	// otherwise host:port has to do
	id := "mdns:" + hostPort
	if uuid := txt[txtKeyUUID]; uuid != "" {
		id = "mdns:" + uuid
	}

	name := txt[txtKeyName]
	if name == "" {
		name = strings.TrimSuffix(entry.Instance, "."+m.serviceType)
	}
	if name == "" {
		name = hostPort
	}

	machineType := machine.TypeUnknown
	switch txt[txtKeyType] {
	case string(machine.TypePrinter3D):
		machineType = machine.TypePrinter3D
	case string(machine.TypeCNC):
		machineType = machine.TypeCNC
	}
	// Browsing the OctoPrint service type implies a 3D printer even
	// without a type key
	if machineType == machine.TypeUnknown && strings.Contains(m.serviceType, "octoprint") {
		machineType = machine.TypePrinter3D
	}

	protocol := ProtocolHTTP
	if txt[txtKeyAPI] == "octoprint" || strings.Contains(m.serviceType, "octoprint") {
		protocol = ProtocolOctoPrint
	}

	baseURL := "http://" + hostPort
	if path := txt[txtKeyPath]; path != "" && path != "/" {
		baseURL += "/" + strings.Trim(path, "/")
	}

	metadata := map[string]string{
		"hostname": entry.HostName,
		"instance": entry.Instance,
	}
	for key, value := range txt {
		metadata["txt_"+key] = value
	}

	return DiscoveredMachine{
		DiscoveryID: id,
		Name:        name,
		Type:        machineType,
		Protocol:    protocol,
		ConnectionParams: map[string]string{
			ParamBaseURL: baseURL,
		},
		Metadata: metadata,
		LastSeen: m.now(),
	}, true
}
