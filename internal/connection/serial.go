package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/logging"
)

const (
	// DefaultBaudRate is the baud rate most printer controllers ship with
	DefaultBaudRate = 115200

	// DefaultReadTimeout bounds a single serial read
	DefaultReadTimeout = 2 * time.Second

	// identifyCommand is sent on connect to verify the peer is a recognized
	// firmware before declaring the connection established
	identifyCommand = "M115"
)

// firmwarePattern extracts the firmware name from an M115 reply
// (e.g. "FIRMWARE_NAME:Marlin 2.1.2 SOURCE_CODE_URL:...")
var firmwarePattern = regexp.MustCompile(`FIRMWARE_NAME:([^\s]+(?:\s[^\s:]+)*?)(?:\s+\w+:|$)`)

// tempPattern matches one "T:210.00 /215.00" or "B:60.00 /61.00" group in an
// M105 reply
var tempPattern = regexp.MustCompile(`([TB])(\d*):\s*(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)

// sdProgressPattern matches the M27 reply "SD printing byte 12345/67890"
var sdProgressPattern = regexp.MustCompile(`SD printing byte (\d+)/(\d+)`)

// PortInfo describes one enumerated serial port. VendorID, ProductID and
// SerialNumber are empty for non-USB ports.
type PortInfo struct {
	Path         string
	Description  string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// enumeratePorts is replaceable in tests
var enumeratePorts = enumerator.GetDetailedPortsList

// ListPorts enumerates the serial ports on this host. It is a pure query
// with no side effects on any port.
func ListPorts() ([]PortInfo, error) {
	details, err := enumeratePorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Path:        d.Name,
			Description: d.Product,
		}
		if d.IsUSB {
			info.VendorID = strings.ToLower(d.VID)
			info.ProductID = strings.ToLower(d.PID)
			info.SerialNumber = d.SerialNumber
		}
		ports = append(ports, info)
	}
	return ports, nil
}

// SerialPort is the subset of the serial library's port surface the
// connection uses. Tests substitute a fake.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// SerialConnection talks G-code to a printer or CNC controller over a serial
// byte stream.
type SerialConnection struct {
	path        string
	baud        int
	readTimeout time.Duration

	// openPort is replaceable in tests
	openPort func(path string, baud int) (SerialPort, error)

	mu       sync.Mutex
	port     SerialPort
	firmware string

	state *State
}

// NewSerialConnection creates a serial connection for the given device path.
// A baud of 0 uses DefaultBaudRate. No I/O happens until Connect.
func NewSerialConnection(path string, baud int) *SerialConnection {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	return &SerialConnection{
		path:        path,
		baud:        baud,
		readTimeout: DefaultReadTimeout,
		openPort:    openSerialPort,
		state:       NewState(),
	}
}

func openSerialPort(path string, baud int) (SerialPort, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SetReadTimeout overrides the per-read timeout. Must be called before Connect.
func (c *SerialConnection) SetReadTimeout(timeout time.Duration) {
	c.readTimeout = timeout
}

// Target returns the device path.
func (c *SerialConnection) Target() string {
	return c.path
}

// Firmware returns the firmware identification captured during the connect
// handshake, or empty if not connected.
func (c *SerialConnection) Firmware() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// Connect opens the port, clears stale buffers and sends a firmware
// identification request. The peer must produce a well-formed reply before
// the connection is declared established; this guards against attaching to
// a serial device that is not a machine controller.
func (c *SerialConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil
	}

	port, err := c.openPort(c.path, c.baud)
	if err != nil {
		classified := Classify(err, c.path)
		c.state.MarkFailure(classified.Message)
		logging.LogConnection(c.path, "open_failed")
		return classified
	}

	if err := port.SetReadTimeout(c.readTimeout); err != nil {
		_ = port.Close()
		c.state.MarkFailure("failed to set read timeout")
		return Classify(err, c.path)
	}

	// Drop anything buffered from a previous session before handshaking
	_ = port.ResetInputBuffer()
	_ = port.ResetOutputBuffer()

	reply, err := c.exchange(ctx, port, identifyCommand)
	if err != nil {
		_ = port.Close()
		c.state.MarkFailure(err.Error())
		logging.LogConnection(c.path, "handshake_failed")
		return err
	}

	if !isIdentificationReply(reply) {
		_ = port.Close()
		c.state.MarkFailure("unrecognized identification reply")
		logging.LogConnection(c.path, "handshake_rejected")
		return NewHandshakeError(c.path, "peer did not identify as a machine controller")
	}

	c.port = port
	c.firmware = extractFirmware(reply)
	c.state.SetConnected(true)
	c.state.MarkSuccess()
	logging.LogConnection(c.path, "connected")
	logging.Debug("Serial handshake complete",
		zap.String("port", c.path),
		zap.String("firmware", c.firmware),
	)
	return nil
}

// Disconnect closes the port. Safe to call when already disconnected.
func (c *SerialConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	c.firmware = ""
	c.state.SetConnected(false)
	logging.LogConnection(c.path, "disconnected")
	if err != nil {
		return Classify(err, c.path)
	}
	return nil
}

// IsConnected reports whether the port is open and handshaken.
func (c *SerialConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// State returns a snapshot of the health counters.
func (c *SerialConnection) State() Snapshot {
	return c.state.Snapshot()
}

// SendCommand maps one vocabulary command onto G-code and performs the
// exchange. Fails fast without I/O while disconnected.
func (c *SerialConnection) SendCommand(ctx context.Context, command string, params map[string]any) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return Fail("not connected", CodeConnectionError)
	}

	lines, err := c.translate(command, params)
	if err != nil {
		// Translation failures are local; no I/O happened, nothing to mark
		return Fail(err.Error(), CodeUnsupported)
	}

	var replies []string
	for _, line := range lines {
		reply, exchErr := c.exchange(ctx, c.port, line)
		if exchErr != nil {
			c.state.MarkFailure(exchErr.Error())
			logging.LogCommand(c.path, command, false)
			var connErr *Error
			if errors.As(exchErr, &connErr) {
				return Fail(exchErr.Error(), connErr.Code())
			}
			return Fail(exchErr.Error(), CodeConnectionError)
		}
		replies = append(replies, reply)
	}

	c.state.MarkSuccess()
	logging.LogCommand(c.path, command, true)
	return OK(c.decode(command, strings.Join(replies, "\n")))
}

// translate maps the protocol-agnostic command vocabulary onto G-code lines.
func (c *SerialConnection) translate(command string, params map[string]any) ([]string, error) {
	switch command {
	case CmdStart:
		if file := stringParam(params, "file"); file != "" {
			return []string{"M23 " + file, "M24"}, nil
		}
		return []string{"M24"}, nil
	case CmdPause:
		return []string{"M25"}, nil
	case CmdResume:
		return []string{"M24"}, nil
	case CmdCancel:
		return []string{"M524"}, nil
	case CmdHome:
		gcode := "G28"
		for _, axis := range axesParam(params) {
			gcode += " " + strings.ToUpper(axis)
		}
		return []string{gcode}, nil
	case CmdJog:
		axis := strings.ToUpper(stringParam(params, "axis"))
		if axis == "" {
			return nil, fmt.Errorf("jog requires an axis")
		}
		distance, ok := floatParam(params, "distance")
		if !ok {
			return nil, fmt.Errorf("jog requires a distance")
		}
		move := fmt.Sprintf("G0 %s%.2f", axis, distance)
		if speed, ok := floatParam(params, "speed"); ok {
			move += fmt.Sprintf(" F%.0f", speed)
		}
		// Relative move, then restore absolute positioning
		return []string{"G91", move, "G90"}, nil
	case CmdSetTemperature:
		target, ok := floatParam(params, "target")
		if !ok {
			return nil, fmt.Errorf("set_temperature requires a target")
		}
		switch stringParam(params, "zone") {
		case ZoneHotend:
			return []string{fmt.Sprintf("M104 S%.0f", target)}, nil
		case ZoneBed:
			return []string{fmt.Sprintf("M140 S%.0f", target)}, nil
		default:
			return nil, fmt.Errorf("unknown temperature zone")
		}
	case CmdEmergencyStop:
		return []string{"M112"}, nil
	case CmdGetTemps:
		return []string{"M105"}, nil
	case CmdGetState, CmdGetProgress, CmdGetJob:
		return []string{"M27"}, nil
	case CmdListFiles:
		return []string{"M20"}, nil
	case CmdDeleteFile:
		file := stringParam(params, "file")
		if file == "" {
			return nil, fmt.Errorf("delete_file requires a file")
		}
		return []string{"M30 " + file}, nil
	case CmdUploadFile:
		return nil, fmt.Errorf("file upload is not supported over serial")
	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}
}

// decode extracts structured data from the raw reply for query commands.
func (c *SerialConnection) decode(command, reply string) map[string]any {
	switch command {
	case CmdGetTemps:
		return parseTemperatures(reply)
	case CmdGetState, CmdGetProgress, CmdGetJob:
		return parseSDProgress(reply)
	case CmdListFiles:
		return map[string]any{"files": parseFileList(reply)}
	default:
		return map[string]any{"reply": strings.TrimSpace(reply)}
	}
}

// exchange writes one G-code line and reads the reply up to the terminating
// "ok" (or an error line). A window of c.readTimeout with no bytes at all is
// treated as a timeout.
func (c *SerialConnection) exchange(ctx context.Context, port SerialPort, line string) (string, error) {
	out := []byte(line + "\n")
	if _, err := port.Write(out); err != nil {
		return "", Classify(err, c.path)
	}
	logging.LogSerialTraffic(c.path, "sent", out)

	var reply strings.Builder
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return "", Classify(err, c.path)
		}

		n, err := port.Read(buf)
		if err != nil {
			return "", Classify(err, c.path)
		}
		if n == 0 {
			// Read timeout expired with nothing received
			if reply.Len() == 0 {
				return "", &Error{
					Type:      ErrTypeTimeout,
					Message:   "no reply within read timeout",
					Target:    c.path,
					Retryable: true,
				}
			}
			// Partial reply with no terminator; return what we have
			return reply.String(), nil
		}

		logging.LogSerialTraffic(c.path, "received", buf[:n])
		reply.Write(buf[:n])

		if replyComplete(reply.String()) {
			return reply.String(), nil
		}
	}
}

// replyComplete reports whether the accumulated reply contains a terminating
// "ok" or error line.
func replyComplete(reply string) bool {
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "ok" || strings.HasPrefix(trimmed, "ok ") || strings.HasPrefix(trimmed, "ok\t") {
			return true
		}
		if strings.HasPrefix(trimmed, "Error:") || strings.HasPrefix(trimmed, "!!") {
			return true
		}
	}
	return false
}

// isIdentificationReply reports whether an M115 reply looks like a machine
// controller rather than some unrelated serial device.
func isIdentificationReply(reply string) bool {
	if strings.Contains(reply, "FIRMWARE_NAME") {
		return true
	}
	// Some firmwares answer a bare "ok" to M115; accept that too
	return replyComplete(reply) && !strings.Contains(reply, "Error:")
}

// extractFirmware pulls the firmware name out of an M115 reply.
func extractFirmware(reply string) string {
	matches := firmwarePattern.FindStringSubmatch(reply)
	if len(matches) < 2 {
		return ""
	}
	return strings.TrimSpace(matches[1])
}

// parseTemperatures decodes an M105 reply into hotend/bed actual and target
// readings in degrees Celsius.
func parseTemperatures(reply string) map[string]any {
	data := make(map[string]any)
	for _, m := range tempPattern.FindAllStringSubmatch(reply, -1) {
		var zone string
		switch m[1] {
		case "T":
			zone = ZoneHotend
		case "B":
			zone = ZoneBed
		}
		if zone == "" {
			continue
		}
		data[zone] = map[string]any{
			"actual": parseFloat(m[3]),
			"target": parseFloat(m[4]),
		}
	}
	return data
}

// parseSDProgress decodes an M27 reply into printing/progress fields.
func parseSDProgress(reply string) map[string]any {
	if m := sdProgressPattern.FindStringSubmatch(reply); m != nil {
		done := parseFloat(m[1])
		total := parseFloat(m[2])
		progress := 0.0
		if total > 0 {
			progress = done / total
		}
		return map[string]any{
			"printing":    true,
			"bytes_done":  done,
			"bytes_total": total,
			"progress":    progress,
		}
	}
	return map[string]any{"printing": false}
}

// parseFileList decodes an M20 reply, collecting entries between the
// "Begin file list" and "End file list" markers.
func parseFileList(reply string) []string {
	files := []string{}
	inList := false
	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, "Begin file list"):
			inList = true
		case strings.EqualFold(trimmed, "End file list"):
			inList = false
		case inList && trimmed != "":
			// Entries may carry a size column ("FILE.GCO 1234")
			files = append(files, strings.Fields(trimmed)[0])
		}
	}
	return files
}

func parseFloat(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}

// stringParam fetches a string parameter, tolerating absence.
func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// floatParam fetches a numeric parameter regardless of its Go numeric type.
func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// axesParam fetches the optional axis list for CmdHome.
func axesParam(params map[string]any) []string {
	if params == nil {
		return nil
	}
	switch v := params["axes"].(type) {
	case []string:
		return v
	case []any:
		axes := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				axes = append(axes, s)
			}
		}
		return axes
	default:
		return nil
	}
}
