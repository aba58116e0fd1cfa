package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openfab/fablink/internal/logging"
)

const (
	// DefaultHTTPTimeout is the per-request timeout for HTTP transports
	DefaultHTTPTimeout = 10 * time.Second

	// DefaultPingPath is the lightweight endpoint probed on connect
	DefaultPingPath = "/api/version"

	// DefaultCommandPath receives the generic JSON command envelope
	DefaultCommandPath = "/api/command"

	// apiKeyHeader carries the optional API key on every request
	apiKeyHeader = "X-Api-Key"
)

// HTTPConnection wraps a base URL plus an optional API key. Connect issues a
// lightweight GET and treats HTTP 200 as success; any transport error or
// non-200 is a failed connect, never a panic.
type HTTPConnection struct {
	baseURL     string
	apiKey      string
	pingPath    string
	commandPath string

	client *http.Client

	mu        sync.Mutex
	connected bool

	state *State
}

// NewHTTPConnection creates an HTTP connection for the given base URL.
// The apiKey may be empty. No I/O happens until Connect.
func NewHTTPConnection(baseURL, apiKey string) *HTTPConnection {
	return &HTTPConnection{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		pingPath:    DefaultPingPath,
		commandPath: DefaultCommandPath,
		client:      &http.Client{Timeout: DefaultHTTPTimeout},
		state:       NewState(),
	}
}

// SetTimeout overrides the per-request timeout.
func (c *HTTPConnection) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SetPaths overrides the ping and command paths for servers with a
// different API layout. Empty arguments keep the current values.
func (c *HTTPConnection) SetPaths(pingPath, commandPath string) {
	if pingPath != "" {
		c.pingPath = pingPath
	}
	if commandPath != "" {
		c.commandPath = commandPath
	}
}

// Target returns the base URL.
func (c *HTTPConnection) Target() string {
	return c.baseURL
}

// BaseURL returns the normalized base URL (no trailing slash).
func (c *HTTPConnection) BaseURL() string {
	return c.baseURL
}

// Connect probes the ping path and requires HTTP 200 before declaring the
// connection established.
func (c *HTTPConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	status, _, err := c.do(ctx, http.MethodGet, c.pingPath, nil)
	if err != nil {
		logging.LogConnection(c.baseURL, "connect_failed")
		return err
	}
	if status != http.StatusOK {
		logging.LogConnection(c.baseURL, "connect_rejected")
		return NewHTTPError(status, fmt.Sprintf("unexpected status code: %d", status))
	}

	c.connected = true
	c.state.SetConnected(true)
	logging.LogConnection(c.baseURL, "connected")
	return nil
}

// Disconnect drops the logical connection. HTTP has no session to tear down,
// so this only flips the flag and resets session state.
func (c *HTTPConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.state.SetConnected(false)
	logging.LogConnection(c.baseURL, "disconnected")
	return nil
}

// IsConnected reports whether Connect has succeeded.
func (c *HTTPConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State returns a snapshot of the health counters.
func (c *HTTPConnection) State() Snapshot {
	return c.state.Snapshot()
}

// SendCommand POSTs the fixed JSON command envelope to the command path.
// Fails fast without I/O while disconnected.
func (c *HTTPConnection) SendCommand(ctx context.Context, command string, params map[string]any) Result {
	if !c.IsConnected() {
		return Fail("not connected", CodeConnectionError)
	}

	envelope := map[string]any{"command": command}
	for k, v := range params {
		envelope[k] = v
	}

	status, body, err := c.do(ctx, http.MethodPost, c.commandPath, envelope)
	if err != nil {
		logging.LogCommand(c.baseURL, command, false)
		var connErr *Error
		if errors.As(err, &connErr) {
			return Fail(err.Error(), connErr.Code())
		}
		return Fail(err.Error(), CodeConnectionError)
	}
	if status < 200 || status >= 300 {
		logging.LogCommand(c.baseURL, command, false)
		return Fail(fmt.Sprintf("command rejected with status %d", status), CodeHTTPError)
	}

	logging.LogCommand(c.baseURL, command, true)
	return OK(decodeJSONBody(body))
}

// do performs one HTTP exchange and marks the connection state exactly once.
// A nil body sends no payload; otherwise the body is JSON-encoded.
func (c *HTTPConnection) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			c.state.MarkFailure("failed to encode request body")
			return 0, nil, NewProtocolError("failed to encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		c.state.MarkFailure("failed to create request")
		return 0, nil, Classify(err, c.baseURL)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		classified := Classify(err, c.baseURL)
		c.state.MarkFailure(classified.Message)
		return 0, nil, classified
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state.MarkFailure("failed to read response body")
		return resp.StatusCode, nil, Classify(err, c.baseURL)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.state.MarkFailure(fmt.Sprintf("status %d", resp.StatusCode))
	} else {
		c.state.MarkSuccess()
	}
	return resp.StatusCode, payload, nil
}

// doRaw performs one HTTP exchange with a caller-built request body and
// content type (used for multipart uploads). Marks state exactly once.
func (c *HTTPConnection) doRaw(ctx context.Context, method, path, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		c.state.MarkFailure("failed to create request")
		return 0, nil, Classify(err, c.baseURL)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		classified := Classify(err, c.baseURL)
		c.state.MarkFailure(classified.Message)
		return 0, nil, classified
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state.MarkFailure("failed to read response body")
		return resp.StatusCode, nil, Classify(err, c.baseURL)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.state.MarkFailure(fmt.Sprintf("status %d", resp.StatusCode))
	} else {
		c.state.MarkSuccess()
	}
	return resp.StatusCode, payload, nil
}

// decodeJSONBody best-effort decodes a response body into a map. Non-JSON
// bodies are preserved raw so nothing is silently lost.
func decodeJSONBody(body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return map[string]any{"raw": string(body)}
	}
	return data
}
