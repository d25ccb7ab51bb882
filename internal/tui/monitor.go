// Package tui is the interactive outbox monitor. It polls the local
// store read-only, so it can run alongside the daemon or on its own.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// PendingItem is one queued mutation for display.
type PendingItem struct {
	ID       string
	Tag      string
	Method   string
	URL      string
	Attempts int
	LastErr  string
	Age      time.Duration
}

// Snapshot is one poll of sync state.
type Snapshot struct {
	DBOK        bool
	Online      bool
	OutboxDepth int
	DeadLetters int
	Pending     []PendingItem
	LastError   string
	Uptime      time.Duration
}

// StatusProvider returns the current snapshot; called once per tick.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	onlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func (m model) View() string {
	var out strings.Builder
	out.WriteString(titleStyle.Render("Syncbox Monitor") + "\n\n")

	conn := offStyle.Render("OFFLINE")
	if m.snap.Online {
		conn = onlineStyle.Render("ONLINE")
	}
	out.WriteString(fmt.Sprintf("Upstream: %s    DB OK: %t    Uptime: %s\n",
		conn, m.snap.DBOK, m.snap.Uptime.Truncate(time.Second)))
	out.WriteString(fmt.Sprintf("Pending: %d    Dead Letters: %d\n\n",
		m.snap.OutboxDepth, m.snap.DeadLetters))

	if len(m.snap.Pending) == 0 {
		out.WriteString(dimStyle.Render("outbox empty, everything synced") + "\n")
	} else {
		out.WriteString(dimStyle.Render("── Pending mutations ──") + "\n")
		for _, item := range m.snap.Pending {
			line := fmt.Sprintf("%-22s %-6s %-32s attempts=%d age=%s",
				item.Tag, item.Method, item.URL, item.Attempts, item.Age.Truncate(time.Second))
			if item.LastErr != "" {
				line += " " + errStyle.Render(item.LastErr)
			}
			out.WriteString(line + "\n")
		}
	}

	if m.snap.LastError != "" {
		out.WriteString("\n" + errStyle.Render("Last error: "+m.snap.LastError) + "\n")
	}
	out.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return out.String()
}

// Run starts the monitor and blocks until quit or context cancel.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
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
