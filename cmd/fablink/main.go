// Fablink is a workshop machine discovery and control utility.
//
// It finds 3D printers and CNC controllers on serial buses and the local
// network, and drives them through a single command interface over
// G-code serial, OctoPrint REST or plain HTTP.
//
// Usage:
//
//	fablink [command] [flags]
//
// Running without arguments launches the interactive machine picker.
// See 'fablink --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/openfab/fablink/internal/logging"
	"github.com/openfab/fablink/internal/picker"
	"github.com/openfab/fablink/internal/version"
)

func main() {
	defer logging.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fablink",
	Short: "Workshop Machine Discovery and Control",
	Long: `A utility for discovering and controlling workshop machines.

Finds 3D printers and CNC controllers over serial ports, mDNS and
subnet scans, and issues lifecycle, motion and temperature commands
through a uniform interface.

If no command is specified, the interactive machine picker launches.`,
	Version: version.Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return cmd.Help()
		}
		return runPicker(cmd, args)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

// runPicker launches the interactive machine selection screen.
func runPicker(cmd *cobra.Command, args []string) error {
	service, err := buildService()
	if err != nil {
		return err
	}

	selected, ok, err := picker.Run(service)
	if err != nil {
		return fmt.Errorf("picker error: %w", err)
	}
	if !ok {
		return nil
	}

	fmt.Printf("Selected %s\n", selected.String())
	fmt.Println("Use 'fablink send' or 'fablink status' with this machine's connection flags.")
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fablink %s (commit: %s)\n", version.Version, version.Commit)
	},
}
