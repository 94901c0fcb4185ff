// Package statusview is a small bubbletea status view for the operator's
// terminal: the cmd/hostd/cmd/serverd startup banner and the `relay
// doctor` diagnostic sweep (§4.10) both render through here rather than
// a plain fmt.Println dump. It never drives remote state; it is purely a
// local read-and-render loop over a snapshot the caller refreshes.
package statusview

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aipper/relay/internal/doctor"
)

// Snapshot is what the view renders on each tick. Provider supplies a
// fresh one; for a one-shot `relay doctor` run it always returns the same
// value and the view quits as soon as it has rendered once.
type Snapshot struct {
	Diagnosis doctor.Diagnosis
	Connected bool
	HostID    string
}

type Provider func() Snapshot

type model struct {
	provider Provider
	snap     Snapshot
	oneShot  bool
	rendered bool
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	if m.oneShot {
		return tea.Quit
	}
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		if m.oneShot {
			return m, tea.Quit
		}
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	skipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "PASS":
		return passStyle
	case "WARN":
		return warnStyle
	case "FAIL":
		return failStyle
	default:
		return skipStyle
	}
}

func (m model) View() string {
	var b strings.Builder
	title := "Relay Host Doctor"
	if m.snap.HostID != "" {
		title = fmt.Sprintf("Relay Host Doctor — %s", m.snap.HostID)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	conn := "disconnected"
	if m.snap.Connected {
		conn = "connected"
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("uplink: %s", conn)))
	b.WriteString("\n\n")

	for _, r := range m.snap.Diagnosis.Results {
		style := statusStyle(r.Status)
		b.WriteString(fmt.Sprintf("%s  %-16s %s\n", style.Render(fmt.Sprintf("[%-4s]", r.Status)), r.Name, r.Message))
	}

	if !m.oneShot {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("Press q to quit."))
		b.WriteString("\n")
	}
	return b.String()
}

// Run drives the view until ctx is canceled or the user quits. When
// oneShot is true the view renders the provider's first snapshot and
// exits immediately, for `relay doctor`'s non-interactive CI use.
func Run(ctx context.Context, provider Provider, oneShot bool) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider(), oneShot: oneShot}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
