package picker

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/openfab/fablink/internal/discovery"
)

// Messages for async operations
type scanStartMsg struct{}
type scanCompleteMsg struct {
	machines []discovery.DiscoveredMachine
	err      error
}

// pickerKeyMap defines key bindings for the machine list.
type pickerKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Enter  key.Binding
	Rescan key.Binding
	Quit   key.Binding
}

func (k pickerKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Enter, k.Rescan, k.Quit}
}

func (k pickerKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Enter},
		{k.Rescan, k.Quit},
	}
}

// machineItem wraps a DiscoveredMachine for bubbles/list.
type machineItem struct {
	machine discovery.DiscoveredMachine
}

func (m machineItem) FilterValue() string {
	return m.machine.Name + " " + m.machine.DiscoveryID
}

func (m machineItem) Title() string {
	return m.machine.Name
}

func (m machineItem) Description() string {
	target := m.machine.Param(discovery.ParamBaseURL)
	if target == "" {
		target = m.machine.Param(discovery.ParamPort)
	}
	return fmt.Sprintf("%s • %s • %s", m.machine.Type, m.machine.Protocol, target)
}

// Model is the machine picker screen state.
type Model struct {
	service *discovery.Service

	scanning    bool
	machineList list.Model
	selected    bool
	err         error

	width   int
	height  int
	spinner spinner.Model
	help    help.Model
	keys    pickerKeyMap
}

// New creates the picker over a discovery service.
func New(service *discovery.Service) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	machineList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	machineList.Title = "Discovered Machines"
	machineList.SetShowStatusBar(false)
	machineList.SetFilteringEnabled(true)
	machineList.Styles.Title = titleStyle

	keys := pickerKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "move down"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "select"),
		),
		Rescan: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "rescan"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc"),
			key.WithHelp("q", "quit"),
		),
	}

	return Model{
		service:     service,
		machineList: machineList,
		spinner:     s,
		help:        help.New(),
		keys:        keys,
	}
}

// Init starts scanning immediately.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return scanStartMsg{} },
		m.scan,
		m.spinner.Tick,
	)
}

// scan is a command that performs one discovery pass.
func (m Model) scan() tea.Msg {
	machines, err := m.service.DiscoverOnce(context.Background())
	return scanCompleteMsg{machines: machines, err: err}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit

		case "enter":
			if !m.scanning && m.machineList.SelectedItem() != nil {
				m.selected = true
				return m, tea.Quit
			}

		case "r":
			if !m.scanning {
				m.machineList.SetItems([]list.Item{})
				m.err = nil
				return m, tea.Batch(
					func() tea.Msg { return scanStartMsg{} },
					m.scan,
					m.spinner.Tick,
				)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.machineList.SetWidth(msg.Width - 4)
		m.machineList.SetHeight(msg.Height - 6)

	case scanStartMsg:
		m.scanning = true

	case scanCompleteMsg:
		m.scanning = false
		m.err = msg.err
		items := make([]list.Item, len(msg.machines))
		for i, machine := range msg.machines {
			items[i] = machineItem{machine: machine}
		}
		m.machineList.SetItems(items)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if !m.scanning {
		m.machineList, cmd = m.machineList.Update(msg)
	}
	return m, cmd
}

// View renders the screen.
func (m Model) View() string {
	var b strings.Builder

	if m.scanning {
		b.WriteString("\n  ")
		b.WriteString(m.spinner.View())
		b.WriteString(" Scanning for machines...")
		b.WriteString("\n\n  ")
		b.WriteString(subtitleStyle.Render("serial ports, mDNS and the local network"))
		b.WriteString("\n")
	} else if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("✗ Scan failed: " + m.err.Error()))
		b.WriteString("\n")
	} else if len(m.machineList.Items()) == 0 {
		b.WriteString("\n  ")
		b.WriteString(warningStyle.Render("⚠ No machines found"))
		b.WriteString("\n\n  Check that machines are powered on and reachable, then press r to rescan.\n")
	} else {
		b.WriteString(m.machineList.View())
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// Selected returns the chosen machine, if any.
func (m Model) Selected() (discovery.DiscoveredMachine, bool) {
	if !m.selected {
		return discovery.DiscoveredMachine{}, false
	}
	item, ok := m.machineList.SelectedItem().(machineItem)
	if !ok {
		return discovery.DiscoveredMachine{}, false
	}
	return item.machine, true
}

// Run shows the picker and blocks until the user selects a machine or
// quits. The boolean is false when nothing was selected.
func Run(service *discovery.Service) (discovery.DiscoveredMachine, bool, error) {
	program := tea.NewProgram(New(service), tea.WithAltScreen())
	final, err := program.Run()
	if err != nil {
		return discovery.DiscoveredMachine{}, false, err
	}
	model, ok := final.(Model)
	if !ok {
		return discovery.DiscoveredMachine{}, false, fmt.Errorf("unexpected final model %T", final)
	}
	machine, selected := model.Selected()
	return machine, selected, nil
}
