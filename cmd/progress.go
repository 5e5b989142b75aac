package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// pipelineStages are the states shown as a checklist, in order
var pipelineStages = []State{
	StateConnecting,
	StateExporting,
	StateEncrypting,
	StateUploading,
	StateCleanup,
}

type progressModel struct {
	table          string
	key            string
	state          State
	spinner        spinner.Model
	uploadProgress progress.Model
	rows           int64
	totalRows      int64
	exportedBytes  int64
	sent           int64
	uploadTotal    int64
	messages       []string
	result         *Result
	done           bool
	width          int
	startTime      time.Time
	cancel         context.CancelFunc
}

type stateMsg struct {
	state State
}

type rowTotalMsg int64

type rowsMsg struct {
	rows  int64
	bytes int64
}

type uploadMsg struct {
	sent  int64
	total int64
}

type messageMsg string

type finishedMsg struct {
	result *Result
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#00D9FF"))
)

func newProgressModel(table, key string, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = stageStyle

	return progressModel{
		table:          table,
		key:            key,
		state:          StateInit,
		spinner:        s,
		uploadProgress: progress.New(progress.WithDefaultGradient()),
		startTime:      time.Now(),
		cancel:         cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		return m.handleSpinnerTickMsg(msg)
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case stateMsg:
		m.state = msg.state
		return m, nil
	case rowTotalMsg:
		m.totalRows = int64(msg)
		return m, nil
	case rowsMsg:
		m.rows, m.exportedBytes = msg.rows, msg.bytes
		return m, nil
	case uploadMsg:
		m.sent, m.uploadTotal = msg.sent, msg.total
		return m, nil
	case messageMsg:
		return m.handleMessageMsg(msg)
	case finishedMsg:
		m.result = msg.result
		m.done = true
		if msg.result != nil {
			m.state = msg.result.State
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		// Cancelling lets the run clean up; finishedMsg quits the program.
		if m.cancel != nil {
			m.cancel()
		}
		return m.handleMessageMsg("⚠️  Cancelling, cleaning up local files...")
	}
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.uploadProgress.Width = max(msg.Width-10, 10)
	return m, nil
}

func (m progressModel) handleSpinnerTickMsg(msg spinner.TickMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	updated, cmd := m.uploadProgress.Update(msg)
	if pm, ok := updated.(progress.Model); ok {
		m.uploadProgress = pm
	}
	return m, cmd
}

func (m progressModel) handleMessageMsg(msg messageMsg) (tea.Model, tea.Cmd) {
	timestamp := time.Now().Format("15:04:05")
	m.messages = append(m.messages, fmt.Sprintf("[%s] %s", timestamp, string(msg)))
	if len(m.messages) > 5 {
		m.messages = m.messages[len(m.messages)-5:]
	}
	return m, nil
}

// stageIndex returns the checklist position of s, or -1
func stageIndex(s State) int {
	for i, st := range pipelineStages {
		if st == s {
			return i
		}
	}
	return -1
}

func (m progressModel) renderHeader() []string {
	title := titleStyle.Render("db-backup " + Version)
	lines := []string{"", "   " + title, ""}
	lines = append(lines, progressInfoStyle.Render("   Table: "+m.table))
	if m.key != "" {
		lines = append(lines, progressInfoStyle.Render("   Key:   "+m.key))
	}
	return append(lines, "")
}

func (m progressModel) renderStages() []string {
	current := stageIndex(m.state)
	failed := m.state == StateFailed && m.result != nil
	finished := m.state == StateDone
	if failed {
		current = stageIndex(m.result.FailedIn)
	}

	var lines []string
	for i, st := range pipelineStages {
		label := strings.ToUpper(st.String()[:1]) + st.String()[1:]
		switch {
		case finished || (current >= 0 && i < current):
			lines = append(lines, doneStyle.Render("   ✓ "+label))
		case failed && i == current:
			lines = append(lines, failStyle.Render("   ✗ "+label))
		case i == current:
			lines = append(lines, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), label)))
		default:
			lines = append(lines, helpStyle.Render("   · "+label))
		}
	}
	return lines
}

func (m progressModel) renderCounters() []string {
	var lines []string
	if m.totalRows > 0 {
		lines = append(lines, progressInfoStyle.Render(fmt.Sprintf("   Rows: %d/%d (%s)", m.rows, m.totalRows, formatBytes(m.exportedBytes))))
	} else if m.rows > 0 || m.state > StateExporting {
		lines = append(lines, progressInfoStyle.Render(fmt.Sprintf("   Rows: %d (%s)", m.rows, formatBytes(m.exportedBytes))))
	}

	if m.uploadTotal > 0 {
		ratio := float64(m.sent) / float64(m.uploadTotal)
		lines = append(lines, progressInfoStyle.Render(fmt.Sprintf("   Upload: %s / %s", formatBytes(m.sent), formatBytes(m.uploadTotal))))
		lines = append(lines, "   "+m.uploadProgress.ViewAs(min(ratio, 1)))
	}
	return lines
}

func (m progressModel) renderResult() []string {
	if m.result == nil {
		return nil
	}
	elapsed := m.result.Duration().Round(time.Millisecond)
	if m.result.Success {
		line := fmt.Sprintf("   ✅ Uploaded %d rows in %s", m.result.Rows, elapsed)
		lines := []string{"", doneStyle.Render(line)}
		for _, w := range m.result.Warnings {
			lines = append(lines, stageStyle.Render("   ⚠️  "+w.Error()))
		}
		return lines
	}
	return []string{"", failStyle.Render(fmt.Sprintf("   ❌ %s: %v", ErrorCategory(m.result.Err), m.result.Err))}
}

func (m progressModel) View() string {
	var sections []string

	sections = append(sections, m.renderHeader()...)
	sections = append(sections, m.renderStages()...)
	sections = append(sections, "")
	sections = append(sections, m.renderCounters()...)

	if len(m.messages) > 0 {
		sections = append(sections, "")
		for _, msg := range m.messages {
			sections = append(sections, "   "+msg)
		}
	}

	sections = append(sections, m.renderResult()...)

	if !m.done {
		sections = append(sections, "")
		sections = append(sections, helpStyle.Render(fmt.Sprintf("   Elapsed %s. Press Ctrl+C or 'q' to cancel", time.Since(m.startTime).Round(time.Second))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

// msgSender is the part of *tea.Program the observer needs
type msgSender interface {
	Send(msg tea.Msg)
}

// teaObserver forwards orchestrator events into the bubbletea program
type teaObserver struct {
	program msgSender
}

func (o teaObserver) StateChanged(s State) {
	o.program.Send(stateMsg{state: s})
}

func (o teaObserver) RowTotal(total int64) {
	o.program.Send(rowTotalMsg(total))
}

func (o teaObserver) RowsExported(rows, bytes int64) {
	o.program.Send(rowsMsg{rows: rows, bytes: bytes})
}

func (o teaObserver) UploadProgress(sent, total int64) {
	o.program.Send(uploadMsg{sent: sent, total: total})
}

// runWithProgress drives one orchestrator run under the terminal UI. build
// receives the observer to attach and returns the orchestrator to run.
func runWithProgress(ctx context.Context, table, key string, build func(Observer) *Orchestrator) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Signals are handled by the context from main; keys reach the model directly.
	program := tea.NewProgram(newProgressModel(table, key, cancel), tea.WithoutSignalHandler())
	orchestrator := build(teaObserver{program: program})

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := orchestrator.Run(ctx)
		program.Send(finishedMsg{result: res})
		done <- outcome{res, err}
	}()

	if _, err := program.Run(); err != nil {
		// The UI failed; the run keeps going without it.
		logger.Debug(fmt.Sprintf("Progress display stopped: %v", err))
	}

	out := <-done
	return out.result, out.err
}
