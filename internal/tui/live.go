package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// maxArtifacts bounds the artifact list shown under the stages.
const maxArtifacts = 5

type eventMsg struct{ event.Event }

type stageRow struct {
	number  int
	name    string
	status  progress.Status
	started time.Time
	elapsed time.Duration
	detail  string
}

// LiveModel is the bubbletea model of a running job. It is fed events
// through the program and quits when the job completes.
type LiveModel struct {
	theme     Theme
	spinner   spinner.Model
	width     int
	plan      string
	jobID     string
	title     string
	total     int
	rows      []*stageRow
	artifacts []string
	status    string
	errMsg    string
	done      bool
	now       func() time.Time
}

// NewLiveModel creates an empty LiveModel.
func NewLiveModel(theme Theme) LiveModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Running))
	return LiveModel{theme: theme, spinner: sp, width: DefaultWidth, now: time.Now}
}

// Init starts the spinner.
func (m LiveModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update applies events, window sizes and key presses.
func (m LiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(msg.Event)
		if m.done {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *LiveModel) row(number int, name string) *stageRow {
	for _, r := range m.rows {
		if r.number == number {
			return r
		}
	}
	r := &stageRow{number: number, name: name, status: progress.StatusPending}
	m.rows = append(m.rows, r)
	slices.SortFunc(m.rows, func(a, b *stageRow) int { return a.number - b.number })
	return r
}

func (m *LiveModel) apply(e event.Event) {
	switch ev := e.(type) {
	case event.PlanReadyEvent:
		m.plan = fmt.Sprintf("%s v%d", ev.Title, ev.Version)
	case event.JobStartedEvent:
		m.jobID, m.title, m.total = ev.JobID, ev.Title, ev.TotalStages
	case event.StageStartedEvent:
		r := m.row(ev.Stage, ev.Name)
		r.status = progress.StatusRunning
		r.started = ev.Timestamp()
		if ev.Label != "" && ev.Label != ev.Name {
			r.detail = ev.Label
		}
	case event.StageCompletedEvent:
		r := m.row(ev.Stage, ev.Name)
		r.status = progress.Status(ev.Status)
		r.elapsed = time.Duration(ev.DurationSeconds * float64(time.Second))
		r.detail = util.OneLine(ev.Summary)
		if ev.Error != "" {
			r.detail = ev.Error
		}
	case event.ArtifactCreatedEvent:
		m.artifacts = append(m.artifacts, ev.Path)
	case event.JobErrorEvent:
		m.errMsg = ev.Message
	case event.JobCompletedEvent:
		m.status = ev.Status
		m.done = true
	}
}

// View renders the header, one line per stage and recent artifacts.
func (m LiveModel) View() string {
	t := m.theme
	var b strings.Builder

	header := t.Title.Render("stagehand")
	if m.title != "" {
		header += " " + t.Bold.Render(m.title)
	} else if m.plan != "" {
		header += " " + t.Bold.Render(m.plan)
	}
	if m.jobID != "" {
		header += " " + t.Muted.Render(m.jobID)
	}
	b.WriteString(util.Truncate(header, m.width) + "\n")

	completed := 0
	for _, r := range m.rows {
		if r.status == progress.StatusCompleted {
			completed++
		}
	}
	if m.total > 0 {
		b.WriteString(t.Muted.Render(fmt.Sprintf("%d/%d stages", completed, m.total)) + "\n")
	}
	b.WriteString("\n")

	for _, r := range m.rows {
		icon := t.StatusStyle(r.status).Render(statusIcon(r.status))
		elapsed := r.elapsed
		if r.status == progress.StatusRunning {
			icon = m.spinner.View()
			elapsed = m.now().Sub(r.started)
		}
		line := fmt.Sprintf("%s %3d %s %s", icon, r.number, r.name, t.Muted.Render(elapsed.Round(time.Second).String()))
		if r.detail != "" {
			line += " " + t.Muted.Render(r.detail)
		}
		b.WriteString(util.Truncate(line, m.width) + "\n")
	}

	if len(m.artifacts) > 0 {
		b.WriteString("\n")
		shown := m.artifacts[max(0, len(m.artifacts)-maxArtifacts):]
		for _, p := range shown {
			b.WriteString(t.Muted.Render(util.Truncate("+ "+p, m.width)) + "\n")
		}
	}

	if m.errMsg != "" {
		b.WriteString("\n" + t.Error.Render(util.Truncate(m.errMsg, m.width)) + "\n")
	}
	if m.done {
		b.WriteString("\n" + t.StatusStyle(progress.Status(m.status)).Render("job "+m.status) + "\n")
	}
	return b.String()
}

// Live runs a LiveModel fed from a bus.
type Live struct {
	program *tea.Program
	unsub   func()
}

// NewLive creates a live view subscribed to bus. Options are passed to the
// bubbletea program.
func NewLive(bus *event.Bus, theme Theme, opts ...tea.ProgramOption) *Live {
	p := tea.NewProgram(NewLiveModel(theme), opts...)
	id := bus.SubscribeAll(func(e event.Event) { p.Send(eventMsg{e}) })
	return &Live{program: p, unsub: func() { bus.Unsubscribe(id) }}
}

// Run blocks until the job completes or the user quits.
func (l *Live) Run() error {
	defer l.unsub()
	_, err := l.program.Run()
	return err
}

// Quit stops the view, for example when the job ended with an error before
// any completion event.
func (l *Live) Quit() {
	l.program.Quit()
}
