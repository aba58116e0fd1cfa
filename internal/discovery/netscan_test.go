package discovery

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestExpandCIDR(t *testing.T) {
	tests := []struct {
		cidr      string
		wantCount int
	}{
		{"192.168.1.0/24", 254},
		{"10.0.0.0/30", 2},
		{"10.0.0.0/31", 2},
		{"192.168.1.50/32", 1},
	}

	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			hosts, err := ExpandCIDR(tt.cidr)
			if err != nil {
				t.Fatalf("ExpandCIDR(%q) error = %v", tt.cidr, err)
			}
			if len(hosts) != tt.wantCount {
				t.Errorf("ExpandCIDR(%q) = %d hosts, want %d", tt.cidr, len(hosts), tt.wantCount)
			}
		})
	}
}

func TestExpandCIDR_SkipsNetworkAndBroadcast(t *testing.T) {
	hosts, err := ExpandCIDR("192.168.1.0/24")
	if err != nil {
		t.Fatalf("ExpandCIDR() error = %v", err)
	}
	for _, host := range hosts {
		if host == "192.168.1.0" || host == "192.168.1.255" {
			t.Errorf("ExpandCIDR() included reserved address %s", host)
		}
	}
	if hosts[0] != "192.168.1.1" {
		t.Errorf("first host = %s, want 192.168.1.1", hosts[0])
	}
	if hosts[len(hosts)-1] != "192.168.1.254" {
		t.Errorf("last host = %s, want 192.168.1.254", hosts[len(hosts)-1])
	}
}

func TestExpandCIDR_Invalid(t *testing.T) {
	for _, cidr := range []string{"", "not-a-cidr", "192.168.1.0", "10.0.0.0/8"} {
		if _, err := ExpandCIDR(cidr); err == nil {
			t.Errorf("ExpandCIDR(%q) succeeded, want error", cidr)
		}
	}
}

func TestNewNetScanMethod_Validation(t *testing.T) {
	if _, err := NewNetScanMethod("bogus", 0, "", 0); err == nil {
		t.Error("NewNetScanMethod() accepted invalid CIDR")
	}
	if _, err := NewNetScanMethod("192.168.1.0/24", 99999, "", 0); err == nil {
		t.Error("NewNetScanMethod() accepted out-of-range port")
	}

	m, err := NewNetScanMethod("192.168.1.0/24", 0, "", 0)
	if err != nil {
		t.Fatalf("NewNetScanMethod() error = %v", err)
	}
	if m.port != DefaultScanPort || m.path != DefaultProbePath || m.concurrency != DefaultScanConcurrency {
		t.Errorf("defaults not applied: port=%d path=%q concurrency=%d", m.port, m.path, m.concurrency)
	}
}

// serverPort extracts the listen port of an httptest server.
func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestNetScanMethod_Discover(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultProbePath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"api":"0.1","server":"1.9.3","text":"OctoPrint 1.9.3"}`))
	}))
	defer server.Close()

	method, err := NewNetScanMethod("127.0.0.1/32", serverPort(t, server), "", 4)
	if err != nil {
		t.Fatalf("NewNetScanMethod() error = %v", err)
	}

	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("Discover() found %d machines, want 1", len(machines))
	}

	m := machines[0]
	if m.Name != "OctoPrint 1.9.3" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Protocol != ProtocolHTTP {
		t.Errorf("Protocol = %v", m.Protocol)
	}
	wantID := "net:127.0.0.1:" + strconv.Itoa(serverPort(t, server))
	if m.DiscoveryID != wantID {
		t.Errorf("DiscoveryID = %q, want %q", m.DiscoveryID, wantID)
	}
	if m.Metadata["server"] != "1.9.3" {
		t.Errorf("Metadata[server] = %q", m.Metadata["server"])
	}
}

// stallingTransport answers one host with the machine API signature and
// hangs on every other probe until its context expires, the way a sweep
// over a sparse subnet behaves.
type stallingTransport struct {
	answering string
}

func (s *stallingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host, _, err := net.SplitHostPort(req.URL.Host)
	if err != nil {
		host = req.URL.Host
	}
	if host == s.answering {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"api":"0.1","server":"1.9.3","text":"OctoPrint 1.9.3"}`)),
			Request:    req,
		}, nil
	}
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func TestNetScanMethod_DeadlineMidSweepKeepsPartialResults(t *testing.T) {
	method, err := NewNetScanMethod("10.0.0.0/29", 80, "", 8)
	if err != nil {
		t.Fatalf("NewNetScanMethod() error = %v", err)
	}
	method.client = &http.Client{Transport: &stallingTransport{answering: "10.0.0.1"}}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	machines, err := method.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v, want validated hosts from a truncated sweep", err)
	}
	if len(machines) != 1 {
		t.Fatalf("Discover() = %d machines, want the one validated before the deadline", len(machines))
	}
	if machines[0].DiscoveryID != "net:10.0.0.1:80" {
		t.Errorf("DiscoveryID = %q, want net:10.0.0.1:80", machines[0].DiscoveryID)
	}
}

func TestNetScanMethod_IgnoresWrongSignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An HTTP host that is not a machine: HTML instead of the JSON
		// signature
		w.Write([]byte("<html><body>router admin</body></html>"))
	}))
	defer server.Close()

	method, err := NewNetScanMethod("127.0.0.1/32", serverPort(t, server), "", 4)
	if err != nil {
		t.Fatalf("NewNetScanMethod() error = %v", err)
	}

	machines, err := method.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(machines) != 0 {
		t.Errorf("non-machine host reported as machine: %v", machines)
	}
}
