package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loom-dev/loom/internal/ipc"
	"github.com/loom-dev/loom/internal/stagestore"
)

var (
	statusJSON  bool
	statusWatch bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupLifecycle,
	Short:   "Show the current status of every stage",
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output machine-readable JSON")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "refresh continuously (requires a terminal)")
	rootCmd.AddCommand(statusCmd)
}

func fetchStages(workDir string) ([]*stagestore.Stage, error) {
	c, err := dial(workDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	resp, err := c.Request(ipc.KindStatus, nil)
	if err != nil {
		return nil, err
	}
	var stages []*stagestore.Stage
	if err := json.Unmarshal(resp.Payload, &stages); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return stages, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	workDir := filepath.Join(mustGetwd(), workDirFlag)

	if statusWatch {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return withCode(ExitInvalidUsage, fmt.Errorf("--watch requires an interactive terminal"))
		}
		p := tea.NewProgram(newStatusModel(workDir))
		if _, err := p.Run(); err != nil {
			return withCode(ExitGeneralError, err)
		}
		return nil
	}

	stages, err := fetchStages(workDir)
	if err != nil {
		return withCode(ExitDaemonUnreach, err)
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stages)
	}

	fmt.Fprint(cmd.OutOrStdout(), renderTable(stages))
	return nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	statusStyles = map[string]lipgloss.Style{
		"Executing": lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		"Blocked":   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"Verified":  lipgloss.NewStyle().Foreground(lipgloss.Color("40")),
	}
)

func renderTable(stages []*stagestore.Stage) string {
	var b strings.Builder
	fmt.Fprintln(&b, headerStyle.Render(fmt.Sprintf("%-4s %-20s %-18s %-6s", "ORD", "STAGE", "STATUS", "TRIES")))
	for _, s := range stages {
		style, ok := statusStyles[string(s.Status)]
		status := string(s.Status)
		if ok {
			status = style.Render(status)
		}
		fmt.Fprintf(&b, "%-4d %-20s %-18s %-6d\n", s.Ordinal, s.ID, status, s.AttemptCount)
	}
	return b.String()
}

// statusModel is the bubbletea model backing `loom status --watch`: it
// re-polls the daemon on a fixed tick and re-renders the table.
type statusModel struct {
	workDir string
	stages  []*stagestore.Stage
	err     error
	loaded  bool
	spin    spinner.Model
}

func newStatusModel(workDir string) statusModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return statusModel{workDir: workDir, spin: s}
}

type tickMsg time.Time
type stagesMsg struct {
	stages []*stagestore.Stage
	err    error
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.spin.Tick, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }))
}

func (m statusModel) poll() tea.Cmd {
	return func() tea.Msg {
		stages, err := fetchStages(m.workDir)
		return stagesMsg{stages: stages, err: err}
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }))
	case stagesMsg:
		m.stages, m.err = msg.stages, msg.err
		m.loaded = true
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m statusModel) View() string {
	if !m.loaded {
		return fmt.Sprintf("%s loading stage status...\n", m.spin.View())
	}
	if m.err != nil {
		return fmt.Sprintf("error: %v\n(press q to quit)\n", m.err)
	}
	return renderTable(m.stages) + "\n(press q to quit)\n"
}
