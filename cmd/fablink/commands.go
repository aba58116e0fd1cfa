package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfab/fablink/internal/config"
	"github.com/openfab/fablink/internal/connection"
	"github.com/openfab/fablink/internal/discovery"
	"github.com/openfab/fablink/internal/logging"
	"github.com/openfab/fablink/internal/machine"
)

// Command flags
var (
	configPath   string
	outputFormat string

	// Connection selection for send/status
	serialPort string
	baudRate   int
	baseURL    string
	apiKey     string
	octoprint  bool
	machineID  string
)

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logging.InitializeFromEnv()
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format (text, json)")

	for _, cmd := range []*cobra.Command{sendCmd, statusCmd} {
		cmd.Flags().StringVar(&serialPort, "serial", "", "Serial device path (e.g. /dev/ttyACM0)")
		cmd.Flags().IntVar(&baudRate, "baud", connection.DefaultBaudRate, "Serial baud rate")
		cmd.Flags().StringVar(&baseURL, "url", "", "HTTP base URL (e.g. http://192.168.1.50)")
		cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for HTTP machines")
		cmd.Flags().BoolVar(&octoprint, "octoprint", false, "Treat the HTTP machine as an OctoPrint instance")
		cmd.Flags().StringVar(&machineID, "id", "cli", "Machine identifier for logs")
	}

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadSettings reads the configuration, honoring --config.
func loadSettings() (*config.Settings, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// buildService assembles the discovery service from configuration. This
// is the only place discovery methods get constructed.
func buildService() (*discovery.Service, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	var methods []discovery.Method
	if settings.Serial.Enabled {
		methods = append(methods, discovery.NewSerialMethod(settings.Serial.BaudRate))
	}
	if settings.Discovery.MDNS.Enabled {
		methods = append(methods, discovery.NewMDNSMethod(
			settings.Discovery.MDNS.ServiceType,
			settings.Discovery.MDNS.Domain,
			settings.Discovery.MDNS.Timeout,
		))
	}
	if settings.Discovery.NetScan.Enabled {
		netscan, err := discovery.NewNetScanMethod(
			settings.Discovery.NetScan.CIDR,
			settings.Discovery.NetScan.Port,
			settings.Discovery.NetScan.Path,
			settings.Discovery.NetScan.Concurrency,
		)
		if err != nil {
			return nil, err
		}
		methods = append(methods, netscan)
	}

	return discovery.New(methods,
		discovery.WithTTL(settings.Discovery.RecordTTL),
		discovery.WithScanInterval(settings.Discovery.ScanInterval),
	)
}

// buildMachine constructs a connected machine from the connection flags.
func buildMachine(ctx context.Context) (*machine.Machine, error) {
	var conn connection.Connection
	switch {
	case serialPort != "" && baseURL != "":
		return nil, fmt.Errorf("--serial and --url are mutually exclusive")
	case serialPort != "":
		conn = connection.NewSerialConnection(serialPort, baudRate)
	case baseURL != "" && octoprint:
		conn = connection.NewOctoPrintConnection(baseURL, apiKey)
	case baseURL != "":
		conn = connection.NewHTTPConnection(baseURL, apiKey)
	default:
		return nil, fmt.Errorf("specify a machine with --serial or --url")
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", conn.Target(), err)
	}

	m, err := machine.New(machineID, machine.TypeUnknown, conn)
	if err != nil {
		conn.Disconnect()
		return nil, err
	}
	return m, nil
}

// discoverCmd runs one discovery pass and prints the results.
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover machines on serial ports and the network",
	Long: `Run one discovery pass over every enabled method.

Serial ports are classified by USB vendor ID and description, the local
network is browsed over mDNS, and a subnet sweep runs when a CIDR is
configured. Results from all methods are merged by machine identity.`,
	Example: `  # One discovery pass
  fablink discover

  # Machine-readable output
  fablink discover --format json`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	service, err := buildService()
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Scanning for machines...")
	machines, err := service.DiscoverOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(machines)
	}

	if len(machines) == 0 {
		fmt.Println("No machines found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Ensure machines are powered on and connected")
		fmt.Println("  - Check that network machines are on the same subnet")
		fmt.Println("  - Enable the netscan method in the config for machines without mDNS")
		return nil
	}

	fmt.Printf("Found %d machine(s):\n\n", len(machines))
	for i, m := range machines {
		fmt.Printf("%d. %s\n", i+1, m.Name)
		fmt.Printf("   ID:       %s\n", m.DiscoveryID)
		fmt.Printf("   Type:     %s\n", m.Type)
		fmt.Printf("   Protocol: %s\n", m.Protocol)
		for key, value := range m.ConnectionParams {
			fmt.Printf("   %-8s %s\n", key+":", value)
		}
		fmt.Println()
	}
	return nil
}

// watchCmd runs continuous discovery and streams new machines.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously watch for machines appearing on the network",
	Long: `Run discovery on a fixed interval and print machines as they appear
or change. Stops on Ctrl-C.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	service, err := buildService()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := service.Subscribe()
	if err := service.StartContinuousDiscovery(ctx); err != nil {
		return err
	}
	defer service.StopContinuousDiscovery()

	fmt.Fprintln(os.Stderr, "Watching for machines (Ctrl-C to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-events:
			if outputFormat == "json" {
				json.NewEncoder(os.Stdout).Encode(m)
				continue
			}
			fmt.Printf("%s  %s\n", m.LastSeen.Format("15:04:05"), m.String())
		}
	}
}

// portsCmd lists serial ports with USB details.
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long:  `List every serial port on this host with USB vendor and product details.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := connection.ListPorts()
		if err != nil {
			return fmt.Errorf("failed to enumerate serial ports: %w", err)
		}

		if outputFormat == "json" {
			return json.NewEncoder(os.Stdout).Encode(ports)
		}

		if len(ports) == 0 {
			fmt.Println("No serial ports found.")
			return nil
		}
		for _, port := range ports {
			fmt.Printf("%s\n", port.Path)
			if port.Description != "" {
				fmt.Printf("   Description: %s\n", port.Description)
			}
			if port.VendorID != "" {
				fmt.Printf("   USB:         %s:%s", port.VendorID, port.ProductID)
				if port.SerialNumber != "" {
					fmt.Printf(" (serial %s)", port.SerialNumber)
				}
				fmt.Println()
			}
		}
		return nil
	},
}

// sendCmd issues one command against a machine.
var sendCmd = &cobra.Command{
	Use:   "send <command> [args...]",
	Short: "Send a command to a machine",
	Long: `Connect to a machine and issue one command.

Commands:
  start [file]             Start a job, optionally selecting a file first
  pause                    Pause the running job
  resume                   Resume a paused job
  cancel                   Cancel the job
  estop                    Emergency stop (always accepted)
  home [axes...]           Home the given axes (default: all)
  jog <axis> <dist> [rate] Move one axis by a relative distance
  temp <zone> <target>     Set hotend or bed temperature
  files                    List files on the machine
  delete <file>            Delete a file on the machine`,
	Example: `  # Pause an OctoPrint machine
  fablink send pause --url http://192.168.1.50 --api-key KEY --octoprint

  # Home X and Y over serial
  fablink send home x y --serial /dev/ttyACM0

  # Heat the hotend
  fablink send temp hotend 210 --serial /dev/ttyACM0`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := buildMachine(ctx)
	if err != nil {
		return err
	}
	defer m.Connection().Disconnect()

	verb, rest := args[0], args[1:]

	var result connection.Result
	switch verb {
	case "start":
		file := ""
		if len(rest) > 0 {
			file = rest[0]
		}
		result = m.Start(ctx, file)
	case "pause":
		result = m.Pause(ctx)
	case "resume":
		result = m.Resume(ctx)
	case "cancel":
		result = m.Cancel(ctx)
	case "estop":
		result = m.EmergencyStop(ctx)
	case "home":
		result = m.Home(ctx, rest...)
	case "jog":
		if len(rest) < 2 {
			return fmt.Errorf("usage: jog <axis> <distance> [feedrate]")
		}
		distance, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return fmt.Errorf("invalid distance %q: %w", rest[1], err)
		}
		var feedrate float64
		if len(rest) > 2 {
			if feedrate, err = strconv.ParseFloat(rest[2], 64); err != nil {
				return fmt.Errorf("invalid feedrate %q: %w", rest[2], err)
			}
		}
		result = m.Jog(ctx, strings.ToLower(rest[0]), distance, feedrate)
	case "temp":
		if len(rest) != 2 {
			return fmt.Errorf("usage: temp <zone> <target>")
		}
		target, err := strconv.ParseFloat(rest[1], 64)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", rest[1], err)
		}
		result = m.SetTemperature(ctx, rest[0], target)
	case "files":
		result = m.ListFiles(ctx)
	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: delete <file>")
		}
		result = m.DeleteFile(ctx, rest[0])
	default:
		return fmt.Errorf("unknown command %q (see 'fablink send --help')", verb)
	}

	return printResult(result)
}

// statusCmd reports machine state, temperatures and job progress.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show machine state, temperatures and progress",
	Example: `  # Status of an OctoPrint machine
  fablink status --url http://192.168.1.50 --api-key KEY --octoprint

  # Status over serial
  fablink status --serial /dev/ttyACM0`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := buildMachine(ctx)
	if err != nil {
		return err
	}
	defer m.Connection().Disconnect()

	status := map[string]any{
		"state":  m.CurrentState().String(),
		"target": m.Connection().Target(),
	}
	if temps := m.Temperatures(ctx); temps.Success {
		status["temperatures"] = temps.Data
	}
	if progress := m.Progress(ctx); progress.Success {
		status["progress"] = progress.Data
	}
	if job := m.CurrentJob(ctx); job.Success {
		status["job"] = job.Data
	}

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(status)
	}

	fmt.Printf("Target: %s\n", status["target"])
	fmt.Printf("State:  %s\n", status["state"])
	for _, section := range []string{"temperatures", "progress", "job"} {
		data, ok := status[section].(map[string]any)
		if !ok || len(data) == 0 {
			continue
		}
		fmt.Printf("\n%s:\n", strings.ToUpper(section[:1])+section[1:])
		for key, value := range data {
			fmt.Printf("  %-14s %v\n", key+":", value)
		}
	}
	return nil
}

// printResult renders a command result and maps failure onto the exit
// status.
func printResult(result connection.Result) error {
	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	if !result.Success {
		return fmt.Errorf("%s (%s)", result.ErrorMessage, result.ErrorCode)
	}
	if len(result.Data) > 0 {
		for key, value := range result.Data {
			fmt.Printf("%-14s %v\n", key+":", value)
		}
	} else {
		fmt.Println("OK")
	}
	return nil
}
