package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/shared"
	"github.com/desertthunder/regx/internal/tasks"
)

// maxLines bounds the scrollback kept in the viewport.
const maxLines = 500

// BatchRunner runs one batch synchronously. [tasks.Orchestrator] is the production implementation.
type BatchRunner interface {
	Run(ctx context.Context, count, concurrency int) (*tasks.Summary, error)
	Stop() error
}

// ViewState represents the current view in the TUI.
type ViewState int

const (
	RunningView ViewState = iota
	StoppingView
	ResultView
)

// Model monitors one batch: counters, a scrolling event log and the final summary.
type Model struct {
	ctx         context.Context
	runner      BatchRunner
	stream      <-chan events.Event
	count       int
	concurrency int

	view     ViewState
	quitting bool
	stats    events.Stats
	lines    []string
	follow   bool
	summary  *tasks.Summary
	err      error
	width    int
	height   int
	started  time.Time
	spinner  spinner.Model
	viewport viewport.Model
	help     help.Model
	keys     keyMap
}

// NewModel creates a monitor that starts a batch of count accounts on Init and renders events from stream.
func NewModel(ctx context.Context, runner BatchRunner, stream <-chan events.Event, count, concurrency int) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.title.UnsetMarginBottom()

	return &Model{
		ctx:         ctx,
		runner:      runner,
		stream:      stream,
		count:       count,
		concurrency: concurrency,
		view:        RunningView,
		follow:      true,
		stats:       events.Stats{Target: count},
		started:     time.Now(),
		spinner:     s,
		viewport:    viewport.New(80, 20),
		help:        help.New(),
		keys:        newKeyMap(),
	}
}

// Summary returns the batch summary once the batch has finished.
func (m *Model) Summary() (*tasks.Summary, error) {
	return m.summary, m.err
}

// Init starts the batch, the spinner and the event subscription.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startBatch(), m.waitForEvent())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(msg.Width-4, 20)
		m.viewport.Height = max(msg.Height-10, 5)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)

	case spinner.TickMsg:
		if m.view == ResultView {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case Msg:
		return m.handleMsg(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgEvent:
		e := msg.data.(events.Event)
		if e.Stats != nil {
			m.stats = *e.Stats
		}
		m.append(e)
		return m, m.waitForEvent()

	case MsgStreamClosed:
		m.stream = nil
		return m, nil

	case MsgBatchDone:
		done := msg.data.(struct {
			summary *tasks.Summary
			err     error
		})
		m.summary = done.summary
		m.err = done.err
		m.view = ResultView
		if done.summary != nil {
			m.stats.Launched = done.summary.Launched
			m.stats.Success = done.summary.Success
			m.stats.Failed = done.summary.Failed
		}
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		if m.view == ResultView {
			return m, tea.Quit
		}
		m.quitting = true
		m.requestStop()
		return m, nil

	case key.Matches(msg, m.keys.stop):
		if m.view == RunningView {
			m.requestStop()
		}
		return m, nil

	case key.Matches(msg, m.keys.help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.top):
		m.follow = false
		m.viewport.GotoTop()
		return m, nil

	case key.Matches(msg, m.keys.bottom):
		m.follow = true
		m.viewport.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	m.follow = m.viewport.AtBottom()
	return m, cmd
}

func (m *Model) requestStop() {
	if m.view != RunningView {
		return
	}
	if err := m.runner.Stop(); err == nil {
		m.view = StoppingView
	}
}

func (m *Model) append(e events.Event) {
	line := fmt.Sprintf("%s %s", e.Timestamp.Format("15:04:05"), styles.Level(e.Level).Render(e.Message))
	if e.Link != "" {
		line += " " + styles.help.Render(e.Link)
	}
	m.lines = append(m.lines, line)
	if over := len(m.lines) - maxLines; over > 0 {
		m.lines = m.lines[over:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) startBatch() tea.Cmd {
	return func() tea.Msg {
		summary, err := m.runner.Run(m.ctx, m.count, m.concurrency)
		return batchDoneMsg(summary, err)
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	stream := m.stream
	if stream == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-stream
		if !ok {
			return streamClosedMsg()
		}
		return eventMsg(e)
	}
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	var header string
	switch m.view {
	case RunningView:
		header = fmt.Sprintf("%s Registering %d accounts (concurrency %d)", m.spinner.View(), m.count, m.concurrency)
	case StoppingView:
		header = fmt.Sprintf("%s %s", m.spinner.View(), styles.warn.Render("Stopping after the current wave..."))
	case ResultView:
		header = m.renderResult()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		styles.title.Render("regx"),
		header,
		m.renderCounters(),
		styles.box.Render(m.viewport.View()),
		m.help.View(m.keys),
	)
}

func (m *Model) renderCounters() string {
	settled := m.stats.Settled()
	eta := "-"
	if m.stats.ETA > 0 {
		eta = shared.FormatDuration(time.Duration(m.stats.ETA * float64(time.Second)))
	}
	return fmt.Sprintf("%d/%d done  %s  %s  launched %d  elapsed %s  eta %s",
		settled, m.stats.Target,
		styles.ok.Render(fmt.Sprintf("✓ %d", m.stats.Success)),
		styles.err.Render(fmt.Sprintf("✗ %d", m.stats.Failed)),
		m.stats.Launched,
		shared.FormatDuration(time.Since(m.started)),
		eta,
	)
}

func (m *Model) renderResult() string {
	if m.err != nil {
		return styles.err.Render(fmt.Sprintf("Batch failed: %v", m.err))
	}
	if m.summary == nil {
		return styles.err.Render("No result available")
	}

	title := styles.ok.Render("✓ Batch complete")
	if m.summary.Stopped {
		title = styles.warn.Render("■ Batch stopped")
	}
	info := fmt.Sprintf("%s in %s over %d waves", title, shared.FormatDuration(m.summary.Elapsed), m.summary.Waves)
	if n := len(m.summary.Errors); n > 0 {
		info += "\n" + styles.warn.Render(fmt.Sprintf("%d storage errors:", n))
		for _, e := range m.summary.Errors {
			info += "\n  • " + e
		}
	}
	return info
}
