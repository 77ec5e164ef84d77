// Package tui provides the live queue watch view for simqueue.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/simqueue/internal/models"
)

const (
	pollInterval = 2 * time.Second
	maxEvents    = 8
	barWidth     = 30
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// App is the watch view model.
type App struct {
	client        *Client
	queueID       string
	negotiationID string

	queue  *models.Queue
	runs   []models.Run
	events []models.Event

	viewport viewport.Model
	spinner  spinner.Model
	width    int
	height   int

	message      string
	daemonOnline bool

	stream      <-chan models.Event
	closeStream func()
	connecting  bool
}

// New creates a watch view for a queue id, or for the active queue of a
// negotiation when queueID is empty.
func New(apiAddr, queueID, negotiationID string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(cyanColor)

	return &App{
		client:        NewClient(apiAddr),
		queueID:       queueID,
		negotiationID: negotiationID,
		viewport:      viewport.New(80, 20),
		spinner:       sp,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	if a.closeStream != nil {
		a.closeStream()
	}
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.spinner.Tick,
		a.fetchQueue(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "p":
			return a, a.queueAction("pause")
		case "r":
			return a, a.queueAction("resume")
		case "s":
			return a, a.queueAction("stop")
		case "t":
			return a, a.queueAction("retry")
		case "g":
			return a, a.queueAction("start")
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = max(msg.Width-4, 20)
		a.viewport.Height = max(msg.Height-14-maxEvents, 5)
		a.viewport.SetContent(renderRuns(a.runs))

	case queueLoadedMsg:
		a.daemonOnline = true
		a.queue = msg.queue
		a.runs = msg.runs
		a.queueID = msg.queue.ID
		a.negotiationID = msg.queue.NegotiationID
		a.viewport.SetContent(renderRuns(a.runs))
		if a.stream == nil && !a.connecting {
			a.connecting = true
			cmds = append(cmds, a.openStream())
		}

	case streamOpenedMsg:
		a.connecting = false
		a.stream = msg.events
		a.closeStream = msg.close
		cmds = append(cmds, waitForEvent(a.stream))

	case eventMsg:
		a.events = append(a.events, models.Event(msg))
		if len(a.events) > maxEvents {
			a.events = a.events[len(a.events)-maxEvents:]
		}
		// Events are hints; reconcile from the REST view.
		cmds = append(cmds, a.fetchQueue(), waitForEvent(a.stream))

	case streamClosedMsg:
		a.stream = nil
		a.closeStream = nil
		a.message = "Progress stream closed, polling"

	case streamFailedMsg:
		a.connecting = false
		a.message = "Live updates unavailable: " + msg.err.Error()

	case tickMsg:
		cmds = append(cmds, a.fetchQueue(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.text
		cmds = append(cmds, a.fetchQueue())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		a.daemonOnline = false

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("simqueue watch"))
	b.WriteString("\n")

	if a.queue == nil {
		b.WriteString(fmt.Sprintf("\n %s Loading queue...\n", a.spinner.View()))
	} else {
		b.WriteString(panelStyle.Render(renderSummary(a.queue)))
		b.WriteString("\n")
		b.WriteString(a.viewport.View())
		b.WriteString("\n")
		b.WriteString(renderEvents(a.events))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("g start • p pause • r resume • s stop • t retry failed • ↑/↓ scroll • q quit"))
	b.WriteString("\n")

	daemon := "● daemon online"
	if !a.daemonOnline {
		daemon = "○ daemon offline"
	}
	live := "polling"
	if a.stream != nil {
		live = "live"
	}
	status := fmt.Sprintf("%s │ %s", daemon, live)
	if a.message != "" {
		status += " │ " + a.message
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 40)).Render(status))
	return b.String()
}

func renderSummary(q *models.Queue) string {
	finished := q.CompletedCount + q.FailedCount
	lines := []string{
		fmt.Sprintf("Queue %s  negotiation %s  %s", shortID(q.ID), q.NegotiationID, formatQueueStatus(q.Status)),
		fmt.Sprintf("%s %d/%d", progressBar(finished, q.TotalRuns, barWidth), finished, q.TotalRuns),
		fmt.Sprintf("running %d/%d  pending %d  completed %d  failed %d",
			q.RunningCount, q.MaxConcurrent, q.PendingCount, q.CompletedCount, q.FailedCount),
		fmt.Sprintf("success %.0f%%  cost $%.2f / est $%.2f  eta %s",
			q.SuccessRate*100, q.ActualTotalCost, q.EstimatedTotalCost, formatETA(q.EstimatedTimeRemainingSec)),
	}
	if q.LastError != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(errorColor).Render(
			fmt.Sprintf("errors %d  last: %s", q.ErrorCount, truncate(q.LastError, 80))))
	}
	return strings.Join(lines, "\n")
}

func renderRuns(runs []models.Run) string {
	if len(runs) == 0 {
		return helpStyle.Render("  No runs")
	}
	var b strings.Builder
	for _, r := range runs {
		detail := ""
		switch {
		case r.Status == models.RunStatusRunning:
			detail = fmt.Sprintf("round %d", r.CurrentRound)
		case r.Payload != nil:
			detail = fmt.Sprintf("%s in %d rounds", r.Payload.Outcome, r.Payload.TotalRounds)
		case r.LastError != "":
			detail = truncate(r.LastError, 50)
		}
		retries := ""
		if r.RetryCount > 0 {
			retries = fmt.Sprintf(" (retry %d/%d)", r.RetryCount, r.MaxRetries)
		}
		b.WriteString(fmt.Sprintf("  #%-3d %-14s %-14s %s%s  %s\n",
			r.RunNumber, truncate(r.TechniqueID, 14), truncate(r.TacticID, 14),
			formatRunStatus(r.Status), retries, detail))
	}
	return b.String()
}

func renderEvents(events []models.Event) string {
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range events {
		line := fmt.Sprintf("  %s %s", e.Timestamp.Local().Format("15:04:05"), e.Type)
		if e.RunNumber > 0 {
			line += fmt.Sprintf(" run #%d", e.RunNumber)
		}
		if e.Round > 0 {
			line += fmt.Sprintf(" round %d", e.Round)
		}
		if e.Error != "" {
			line += " " + truncate(e.Error, 60)
		}
		b.WriteString(helpStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

// progressBar renders done/total as a fixed-width bar.
func progressBar(done, total, width int) string {
	if total <= 0 || width <= 0 {
		return "[" + strings.Repeat("░", width) + "]"
	}
	if done > total {
		done = total
	}
	filled := done * width / total
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatETA(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return (time.Duration(sec) * time.Second).String()
}

func formatQueueStatus(s models.QueueStatus) string {
	style := lipgloss.NewStyle().Bold(true)
	switch s {
	case models.QueueStatusRunning:
		style = style.Foreground(cyanColor)
	case models.QueueStatusPaused:
		style = style.Foreground(warningColor)
	case models.QueueStatusCompleted:
		style = style.Foreground(successColor)
	case models.QueueStatusStopped:
		style = style.Foreground(errorColor)
	default:
		style = style.Foreground(mutedColor)
	}
	return style.Render(strings.ToUpper(string(s)))
}

func formatRunStatus(s models.RunStatus) string {
	var color lipgloss.Color
	switch s {
	case models.RunStatusRunning:
		color = cyanColor
	case models.RunStatusCompleted:
		color = successColor
	case models.RunStatusFailed, models.RunStatusTimeout:
		color = errorColor
	default:
		color = warningColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("● %-9s", s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// --- Commands ---

func (a *App) fetchQueue() tea.Cmd {
	queueID, negotiationID := a.queueID, a.negotiationID
	return func() tea.Msg {
		var (
			q   *models.Queue
			err error
		)
		if queueID != "" {
			q, err = a.client.GetQueue(queueID)
		} else {
			q, err = a.client.GetQueueByNegotiation(negotiationID)
		}
		if err != nil {
			return errMsg{err}
		}
		runs, err := a.client.ListRuns(q.ID)
		if err != nil {
			return errMsg{err}
		}
		return queueLoadedMsg{queue: q, runs: runs}
	}
}

func (a *App) openStream() tea.Cmd {
	negotiationID := a.negotiationID
	return func() tea.Msg {
		events, closeFn, err := a.client.Subscribe(negotiationID)
		if err != nil {
			return streamFailedMsg{err}
		}
		return streamOpenedMsg{events: events, close: closeFn}
	}
}

func waitForEvent(events <-chan models.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(e)
	}
}

func (a *App) queueAction(action string) tea.Cmd {
	queueID := a.queueID
	return func() tea.Msg {
		if queueID == "" {
			return commandResultMsg{"No queue loaded"}
		}
		if err := a.client.QueueAction(queueID, action); err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		return commandResultMsg{fmt.Sprintf("✓ %s requested", action)}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type commandResultMsg struct {
	text string
}

type errMsg struct {
	err error
}

type queueLoadedMsg struct {
	queue *models.Queue
	runs  []models.Run
}

type streamOpenedMsg struct {
	events <-chan models.Event
	close  func()
}

type eventMsg models.Event

type streamClosedMsg struct{}

type streamFailedMsg struct {
	err error
}

type tickMsg time.Time
