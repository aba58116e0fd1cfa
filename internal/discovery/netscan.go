package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/logging"
	"github.com/openfab/fablink/internal/machine"
)

const (
	// DefaultScanPort is probed on each expanded host
	DefaultScanPort = 80

	// DefaultProbePath is the endpoint whose response identifies a machine
	DefaultProbePath = "/api/version"

	// DefaultScanConcurrency bounds in-flight probes
	DefaultScanConcurrency = 32

	// DefaultProbeTimeout bounds one host probe
	DefaultProbeTimeout = 2 * time.Second

	maxScanHosts = 65536
)

// ExpandCIDR returns the usable host addresses inside a CIDR block. For
// IPv4 networks smaller than /31 the network and broadcast addresses are
// excluded; /31 and /32 return their addresses as-is.
func ExpandCIDR(cidr string) ([]string, error) {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}

	ones, bits := network.Mask.Size()
	if bits == 32 && ones >= 31 {
		// Point-to-point and single-host blocks have no network or
		// broadcast address to skip
		hosts := make([]string, 0, 2)
		for addr := ip.Mask(network.Mask); network.Contains(addr); incIP(addr) {
			hosts = append(hosts, addr.String())
		}
		return hosts, nil
	}

	var hosts []string
	for addr := cloneIP(network.IP); network.Contains(addr); incIP(addr) {
		if len(hosts) >= maxScanHosts {
			return nil, fmt.Errorf("CIDR %q expands beyond %d hosts", cidr, maxScanHosts)
		}
		if addr.Equal(network.IP) || isBroadcast(addr, network) {
			continue
		}
		hosts = append(hosts, addr.String())
	}
	return hosts, nil
}

// incIP increments an IP address in place.
func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func cloneIP(ip net.IP) net.IP {
	clone := make(net.IP, len(ip))
	copy(clone, ip)
	return clone
}

// isBroadcast reports whether ip is the broadcast address of an IPv4
// network.
func isBroadcast(ip net.IP, network *net.IPNet) bool {
	ip4 := ip.To4()
	net4 := network.IP.To4()
	if ip4 == nil || net4 == nil {
		return false
	}
	for i := range ip4 {
		if ip4[i] != net4[i]|^network.Mask[i] {
			return false
		}
	}
	return true
}

// versionReply is the probe response shape. OctoPrint's /api/version
// answers with a "text" field describing the server.
type versionReply struct {
	Text   string `json:"text"`
	API    string `json:"api"`
	Server string `json:"server"`
}

// NetScanMethod sweeps a CIDR block probing a known HTTP endpoint on
// each host. Hosts that answer with the expected JSON signature become
// discovered machines; everything else is silently skipped.
type NetScanMethod struct {
	cidr        string
	port        int
	path        string
	concurrency int

	client *http.Client
	now    func() time.Time
}

// NewNetScanMethod creates the subnet sweep probe. The CIDR is validated
// up front so a bad configuration fails at construction, not mid-scan.
func NewNetScanMethod(cidr string, port int, path string, concurrency int) (*NetScanMethod, error) {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return nil, fmt.Errorf("invalid scan CIDR %q: %w", cidr, err)
	}
	if port <= 0 {
		port = DefaultScanPort
	}
	if port > 65535 {
		return nil, fmt.Errorf("invalid scan port %d", port)
	}
	if path == "" {
		path = DefaultProbePath
	}
	if concurrency <= 0 {
		concurrency = DefaultScanConcurrency
	}
	return &NetScanMethod{
		cidr:        cidr,
		port:        port,
		path:        path,
		concurrency: concurrency,
		client:      &http.Client{Timeout: DefaultProbeTimeout},
		now:         time.Now,
	}, nil
}

// Name identifies the probe.
func (m *NetScanMethod) Name() string { return "netscan" }

// Discover expands the CIDR and probes every host with bounded
// concurrency. Individual host failures are expected and not errors;
// only a failure to expand the block fails the pass.
func (m *NetScanMethod) Discover(ctx context.Context) ([]DiscoveredMachine, error) {
	hosts, err := ExpandCIDR(m.cidr)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		found []DiscoveredMachine
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, m.concurrency)

	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()

			record, ok := m.probe(ctx, host)
			if !ok {
				return
			}
			logging.LogDiscovery(m.Name(), record.DiscoveryID, record.Name)
			mu.Lock()
			found = append(found, record)
			mu.Unlock()
		}(host)
	}
	wg.Wait()

	logging.Debug("Subnet sweep complete",
		zap.String("cidr", m.cidr),
		zap.Int("hosts", len(hosts)),
		zap.Int("candidates", len(found)),
	)

	// A deadline expiring mid-sweep truncates the pass; hosts validated
	// before the cutoff still count as a completed best-effort result.
	if len(found) > 0 {
		return found, nil
	}
	return nil, ctx.Err()
}

// probe checks one host for the machine API signature.
func (m *NetScanMethod) probe(ctx context.Context, host string) (DiscoveredMachine, bool) {
	hostPort := net.JoinHostPort(host, strconv.Itoa(m.port))
	url := "http://" + hostPort + m.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DiscoveredMachine{}, false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return DiscoveredMachine{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DiscoveredMachine{}, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return DiscoveredMachine{}, false
	}

	var reply versionReply
	if err := json.Unmarshal(body, &reply); err != nil || reply.Text == "" {
		// Plenty of LAN hosts serve HTTP; only the expected JSON
		// signature counts as a machine
		return DiscoveredMachine{}, false
	}

	return DiscoveredMachine{
		DiscoveryID: "net:" + hostPort,
		Name:        reply.Text,
		Type:        machine.TypeUnknown,
		Protocol:    ProtocolHTTP,
		ConnectionParams: map[string]string{
			ParamBaseURL: "http://" + hostPort,
		},
		Metadata: map[string]string{
			"api":    reply.API,
			"server": reply.Server,
		},
		LastSeen: m.now(),
	}, true
}
