package discovery

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/openfab/fablink/internal/connection"
	"github.com/openfab/fablink/internal/logging"
	"github.com/openfab/fablink/internal/machine"
)

// likelyVendorIDs maps USB vendor IDs (lowercase hex) to the machine type
// they suggest. These cover the controller boards and USB-serial bridges
// that ship on common printers and CNC machines.
var likelyVendorIDs = map[string]machine.MachineType{
	"2c99": machine.TypePrinter3D, // Prusa Research
	"27b1": machine.TypePrinter3D, // Ultimaker
	"2341": machine.TypeUnknown,   // Arduino
	"1a86": machine.TypeUnknown,   // QinHeng CH340
	"0403": machine.TypeUnknown,   // FTDI FT232
	"16c0": machine.TypeUnknown,   // VOTI / Teensy
	"1d50": machine.TypeUnknown,   // OpenMoko (Smoothieboard and friends)
}

// likelySubstrings mark a port as a probable machine when they appear in
// its description. Matching is case-insensitive.
var likelySubstrings = []string{
	"prusa",
	"arduino",
	"ch340",
	"ft232",
	"marlin",
	"ultimaker",
	"creality",
	"3d printer",
}

// SerialMethod classifies enumerated serial ports with a best-effort
// heuristic: false negatives are acceptable, false positives get filtered
// later when the identification handshake fails at connect time.
type SerialMethod struct {
	defaultBaud int

	// enumerate is replaceable in tests
	enumerate func() ([]*enumerator.PortDetails, error)

	now func() time.Time
}

// NewSerialMethod creates the serial-port probe. A baud of 0 uses the
// transport default.
func NewSerialMethod(defaultBaud int) *SerialMethod {
	if defaultBaud == 0 {
		defaultBaud = connection.DefaultBaudRate
	}
	return &SerialMethod{
		defaultBaud: defaultBaud,
		enumerate:   enumerator.GetDetailedPortsList,
		now:         time.Now,
	}
}

// Name identifies the probe.
func (m *SerialMethod) Name() string { return "serial" }

// Discover enumerates serial ports and returns the ones that look like
// machine controllers. Unmatched ports are skipped.
func (m *SerialMethod) Discover(ctx context.Context) ([]DiscoveredMachine, error) {
	details, err := m.enumerate()
	if err != nil {
		return nil, err
	}

	var found []DiscoveredMachine
	for _, port := range details {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		machineType, ok := classifyPort(port)
		if !ok {
			continue
		}

		record := m.record(port, machineType)
		logging.LogDiscovery(m.Name(), record.DiscoveryID, record.Name)
		found = append(found, record)
	}

	logging.Debug("Serial probe pass complete",
		zap.Int("ports", len(details)),
		zap.Int("candidates", len(found)),
	)
	return found, nil
}

// record builds the DiscoveredMachine for a classified port.
func (m *SerialMethod) record(port *enumerator.PortDetails, machineType machine.MachineType) DiscoveredMachine {
	name := port.Product
	if name == "" {
		name = port.Name
	}

	// Prefer the hardware serial number as identity so the record is
	// stable across replugs that shuffle device paths
	id := "serial:" + port.Name
	if port.IsUSB && port.SerialNumber != "" {
		id = "serial:" + port.SerialNumber
	}

	metadata := map[string]string{}
	if port.IsUSB {
		metadata["vendor_id"] = strings.ToLower(port.VID)
		metadata["product_id"] = strings.ToLower(port.PID)
		if port.SerialNumber != "" {
			metadata["serial_number"] = port.SerialNumber
		}
	}

	return DiscoveredMachine{
		DiscoveryID: id,
		Name:        name,
		Type:        machineType,
		Protocol:    ProtocolSerial,
		ConnectionParams: map[string]string{
			ParamPort: port.Name,
			ParamBaud: strconv.Itoa(m.defaultBaud),
		},
		Metadata: metadata,
		LastSeen: m.now(),
	}
}

// classifyPort applies the vendor-ID and description heuristics.
func classifyPort(port *enumerator.PortDetails) (machine.MachineType, bool) {
	if port.IsUSB {
		if machineType, ok := likelyVendorIDs[strings.ToLower(port.VID)]; ok {
			return machineType, true
		}
	}

	description := strings.ToLower(port.Product)
	for _, substr := range likelySubstrings {
		if strings.Contains(description, substr) {
			return machine.TypeUnknown, true
		}
	}

	return machine.TypeUnknown, false
}
