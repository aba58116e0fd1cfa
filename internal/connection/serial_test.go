package connection

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"
)

// fakePort scripts replies per G-code line. An empty read buffer behaves
// like a read timeout (n == 0, no error), matching the serial library.
type fakePort struct {
	replies map[string]string
	writes  []string
	readBuf bytes.Buffer
	closed  bool
	resets  int
}

func newFakePort(replies map[string]string) *fakePort {
	return &fakePort{replies: replies}
}

func (p *fakePort) Write(data []byte) (int, error) {
	line := strings.TrimSpace(string(data))
	p.writes = append(p.writes, line)
	if reply, ok := p.replies[line]; ok {
		p.readBuf.WriteString(reply)
	}
	return len(data), nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if p.readBuf.Len() == 0 {
		return 0, nil
	}
	return p.readBuf.Read(buf)
}

func (p *fakePort) Close() error                        { p.closed = true; return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error { return nil }
func (p *fakePort) ResetInputBuffer() error              { p.resets++; return nil }
func (p *fakePort) ResetOutputBuffer() error             { p.resets++; return nil }

func newTestSerialConnection(port *fakePort) *SerialConnection {
	conn := NewSerialConnection("/dev/ttyUSB0", 115200)
	conn.openPort = func(path string, baud int) (SerialPort, error) {
		return port, nil
	}
	return conn
}

const marlinIdentReply = "FIRMWARE_NAME:Marlin 2.1.2 SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin\nok\n"

func TestSerialConnection_Connect(t *testing.T) {
	port := newFakePort(map[string]string{"M115": marlinIdentReply})
	conn := newTestSerialConnection(port)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !conn.IsConnected() {
		t.Error("IsConnected() = false after successful handshake")
	}
	if got := conn.Firmware(); got != "Marlin 2.1.2" {
		t.Errorf("Firmware() = %q, want %q", got, "Marlin 2.1.2")
	}
	if port.resets != 2 {
		t.Errorf("buffer resets = %d, want 2 (input and output cleared before handshake)", port.resets)
	}
	if len(port.writes) != 1 || port.writes[0] != "M115" {
		t.Errorf("writes = %v, want single M115 identification request", port.writes)
	}
	if !conn.State().Connected {
		t.Error("state Connected = false after Connect")
	}
}

func TestSerialConnection_Connect_RejectsNonMachine(t *testing.T) {
	// A GPS module or similar will not produce a well-formed reply
	port := newFakePort(map[string]string{"M115": "$GPGGA,123519,4807.038,N\n"})
	conn := newTestSerialConnection(port)

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() = nil, want handshake error for non-machine peer")
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after rejected handshake")
	}
	if !port.closed {
		t.Error("port left open after rejected handshake")
	}

	snap := conn.State()
	if snap.FailedCommands != 1 {
		t.Errorf("FailedCommands = %d, want 1", snap.FailedCommands)
	}
}

func TestSerialConnection_Connect_TimeoutOnSilentPeer(t *testing.T) {
	port := newFakePort(nil) // never replies
	conn := newTestSerialConnection(port)

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() = nil, want timeout error for silent peer")
	}

	var connErr *Error
	if !errors.As(err, &connErr) || connErr.Type != ErrTypeTimeout {
		t.Errorf("Connect() error = %v, want ErrTypeTimeout", err)
	}
}

func TestSerialConnection_SendCommand_FailsFastWhenDisconnected(t *testing.T) {
	port := newFakePort(map[string]string{"M115": marlinIdentReply})
	conn := newTestSerialConnection(port)

	result := conn.SendCommand(context.Background(), CmdPause, nil)

	if result.Success {
		t.Error("SendCommand() succeeded while disconnected")
	}
	if result.ErrorCode != CodeConnectionError {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, CodeConnectionError)
	}
	if len(port.writes) != 0 {
		t.Errorf("writes = %v, want none while disconnected", port.writes)
	}
}

func TestSerialConnection_SendCommand_GcodeMapping(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		params    map[string]any
		wantLines []string
	}{
		{
			name:      "pause",
			command:   CmdPause,
			wantLines: []string{"M25"},
		},
		{
			name:      "resume",
			command:   CmdResume,
			wantLines: []string{"M24"},
		},
		{
			name:      "cancel",
			command:   CmdCancel,
			wantLines: []string{"M524"},
		},
		{
			name:      "start with file",
			command:   CmdStart,
			params:    map[string]any{"file": "bracket.gco"},
			wantLines: []string{"M23 bracket.gco", "M24"},
		},
		{
			name:      "home all axes",
			command:   CmdHome,
			wantLines: []string{"G28"},
		},
		{
			name:      "home axis subset",
			command:   CmdHome,
			params:    map[string]any{"axes": []string{"x", "z"}},
			wantLines: []string{"G28 X Z"},
		},
		{
			name:      "jog with speed",
			command:   CmdJog,
			params:    map[string]any{"axis": "x", "distance": 10.0, "speed": 3000},
			wantLines: []string{"G91", "G0 X10.00 F3000", "G90"},
		},
		{
			name:      "hotend temperature",
			command:   CmdSetTemperature,
			params:    map[string]any{"zone": ZoneHotend, "target": 210},
			wantLines: []string{"M104 S210"},
		},
		{
			name:      "bed temperature",
			command:   CmdSetTemperature,
			params:    map[string]any{"zone": ZoneBed, "target": 60.0},
			wantLines: []string{"M140 S60"},
		},
		{
			name:      "emergency stop",
			command:   CmdEmergencyStop,
			wantLines: []string{"M112"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replies := map[string]string{"M115": marlinIdentReply}
			for _, line := range tt.wantLines {
				replies[line] = "ok\n"
			}
			port := newFakePort(replies)
			conn := newTestSerialConnection(port)
			if err := conn.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}

			result := conn.SendCommand(context.Background(), tt.command, tt.params)
			if !result.Success {
				t.Fatalf("SendCommand() failed: %s (%s)", result.ErrorMessage, result.ErrorCode)
			}

			got := port.writes[1:] // skip the M115 handshake
			if len(got) != len(tt.wantLines) {
				t.Fatalf("wrote %v, want %v", got, tt.wantLines)
			}
			for i := range got {
				if got[i] != tt.wantLines[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.wantLines[i])
				}
			}
		})
	}
}

func TestSerialConnection_SendCommand_Temperatures(t *testing.T) {
	port := newFakePort(map[string]string{
		"M115": marlinIdentReply,
		"M105": "ok T:210.00 /215.00 B:60.50 /61.00\n",
	})
	conn := newTestSerialConnection(port)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result := conn.SendCommand(context.Background(), CmdGetTemps, nil)
	if !result.Success {
		t.Fatalf("SendCommand() failed: %s", result.ErrorMessage)
	}

	hotend, ok := result.Data[ZoneHotend].(map[string]any)
	if !ok {
		t.Fatalf("Data[%q] missing or wrong type: %v", ZoneHotend, result.Data)
	}
	if hotend["actual"] != 210.0 || hotend["target"] != 215.0 {
		t.Errorf("hotend = %v, want actual 210 target 215", hotend)
	}

	bed, ok := result.Data[ZoneBed].(map[string]any)
	if !ok {
		t.Fatalf("Data[%q] missing or wrong type: %v", ZoneBed, result.Data)
	}
	if bed["actual"] != 60.5 || bed["target"] != 61.0 {
		t.Errorf("bed = %v, want actual 60.5 target 61", bed)
	}
}

func TestSerialConnection_SendCommand_FileList(t *testing.T) {
	port := newFakePort(map[string]string{
		"M115": marlinIdentReply,
		"M20":  "Begin file list\nBRACKET.GCO 12345\nLID.GCO 6789\nEnd file list\nok\n",
	})
	conn := newTestSerialConnection(port)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result := conn.SendCommand(context.Background(), CmdListFiles, nil)
	if !result.Success {
		t.Fatalf("SendCommand() failed: %s", result.ErrorMessage)
	}

	files, ok := result.Data["files"].([]string)
	if !ok {
		t.Fatalf("Data[files] missing or wrong type: %v", result.Data)
	}
	want := []string{"BRACKET.GCO", "LID.GCO"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}
}

func TestSerialConnection_SendCommand_UploadUnsupported(t *testing.T) {
	port := newFakePort(map[string]string{"M115": marlinIdentReply})
	conn := newTestSerialConnection(port)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result := conn.SendCommand(context.Background(), CmdUploadFile, map[string]any{"file": "x.gco"})
	if result.Success {
		t.Error("upload over serial succeeded, want unsupported failure")
	}
	if result.ErrorCode != CodeUnsupported {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, CodeUnsupported)
	}
}

func TestSerialConnection_Disconnect(t *testing.T) {
	port := newFakePort(map[string]string{"M115": marlinIdentReply})
	conn := newTestSerialConnection(port)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if !port.closed {
		t.Error("port not closed by Disconnect")
	}

	// Second disconnect is a no-op
	if err := conn.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestListPorts(t *testing.T) {
	original := enumeratePorts
	defer func() { enumeratePorts = original }()

	enumeratePorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{
				Name:         "/dev/ttyUSB0",
				IsUSB:        true,
				VID:          "2C99",
				PID:          "0002",
				SerialNumber: "CZPX1234",
				Product:      "Original Prusa i3 MK3",
			},
			{
				Name:    "/dev/ttyS0",
				IsUSB:   false,
				Product: "",
			},
		}, nil
	}

	ports, err := ListPorts()
	if err != nil {
		t.Fatalf("ListPorts() error = %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("ListPorts() returned %d ports, want 2", len(ports))
	}

	usb := ports[0]
	if usb.Path != "/dev/ttyUSB0" || usb.VendorID != "2c99" || usb.ProductID != "0002" || usb.SerialNumber != "CZPX1234" {
		t.Errorf("USB port = %+v, want lowercased VID/PID with serial", usb)
	}

	bare := ports[1]
	if bare.VendorID != "" || bare.ProductID != "" || bare.SerialNumber != "" {
		t.Errorf("non-USB port carries hardware IDs: %+v", bare)
	}
}

func TestExtractFirmware(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{"FIRMWARE_NAME:Marlin 2.1.2 SOURCE_CODE_URL:x", "Marlin 2.1.2"},
		{"FIRMWARE_NAME:Klipper PROTOCOL_VERSION:1.0", "Klipper"},
		{"ok", ""},
	}

	for _, tt := range tests {
		if got := extractFirmware(tt.reply); got != tt.want {
			t.Errorf("extractFirmware(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}
