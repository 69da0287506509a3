// Package tui is a Bubble Tea dashboard that monitors jobs through the
// HTTP API of a running pgsync instance.
package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const pollInterval = 2 * time.Second

// JobInfo is the slice of the jobs API the dashboard renders.
type JobInfo struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	SyncMode       string     `json:"sync_mode"`
	Status         string     `json:"status"`
	IsRunning      bool       `json:"is_running"`
	CronExpression string     `json:"cron_expression"`
	LastRunAt      *time.Time `json:"last_run_at"`
	NextRunAt      *time.Time `json:"next_run_at"`
}

// RunStatusInfo mirrors the job status endpoint.
type RunStatusInfo struct {
	Status             string `json:"status"`
	CurrentStage       string `json:"current_stage"`
	ProgressPercentage int    `json:"progress_percentage"`
}

type client struct {
	addr string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{addr: addr, http: &http.Client{Timeout: 5 * time.Second}}
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func (c *client) jobs() ([]JobInfo, error) {
	var jobs []JobInfo
	err := c.getJSON("/api/jobs", &jobs)
	return jobs, err
}

func (c *client) jobStatus(id int64) (RunStatusInfo, error) {
	var s RunStatusInfo
	err := c.getJSON(fmt.Sprintf("/api/jobs/%d/status", id), &s)
	return s, err
}

func (c *client) runJob(id int64) error {
	resp, err := c.http.Post(fmt.Sprintf("%s/api/jobs/%d/run", c.addr, id), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("job already running")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("run: HTTP %d", resp.StatusCode)
	}
	return nil
}

type pollMsg struct {
	jobs     []JobInfo
	statuses map[int64]RunStatusInfo
	err      error
}

type tickMsg time.Time

// Model is the Bubble Tea model for the job dashboard.
type Model struct {
	client   *client
	jobs     []JobInfo
	statuses map[int64]RunStatusInfo
	cursor   int
	lastErr  error
	notice   string

	width  int
	height int
	ready  bool
}

func NewModel(apiAddr string) Model {
	return Model{
		client:   newClient(apiAddr),
		statuses: make(map[int64]RunStatusInfo),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) poll() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		jobs, err := c.jobs()
		if err != nil {
			return pollMsg{err: err}
		}
		statuses := make(map[int64]RunStatusInfo, len(jobs))
		for _, j := range jobs {
			if s, err := c.jobStatus(j.ID); err == nil {
				statuses[j.ID] = s
			}
		}
		return pollMsg{jobs: jobs, statuses: statuses}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.jobs)-1 {
				m.cursor++
			}
		case "enter", "r":
			if m.cursor < len(m.jobs) {
				job := m.jobs[m.cursor]
				c := m.client
				m.notice = fmt.Sprintf("triggering %q...", job.Name)
				return m, func() tea.Msg {
					if err := c.runJob(job.ID); err != nil {
						return pollMsg{err: fmt.Errorf("run %q: %w", job.Name, err)}
					}
					jobs, err := c.jobs()
					return pollMsg{jobs: jobs, err: err}
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case pollMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.notice = ""
		if msg.jobs != nil {
			m.jobs = msg.jobs
			if m.cursor >= len(m.jobs) && len(m.jobs) > 0 {
				m.cursor = len(m.jobs) - 1
			}
		}
		if msg.statuses != nil {
			m.statuses = msg.statuses
		}
	}

	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	var sections []string

	title := titleStyle.Width(w).Render(" pgsync")
	sections = append(sections, title)

	sections = append(sections, boxStyle.Width(w-2).Render(m.renderJobs(w-4)))

	if m.cursor < len(m.jobs) {
		sections = append(sections, boxStyle.Width(w-2).Render(m.renderDetail(m.jobs[m.cursor], w-4)))
	}

	if m.lastErr != nil {
		sections = append(sections, errorStyle.Render("  "+m.lastErr.Error()))
	} else if m.notice != "" {
		sections = append(sections, labelStyle.Render("  "+m.notice))
	}

	sections = append(sections, helpStyle.Render("  ↑/↓: select   enter: run   q: quit"))

	return strings.Join(sections, "\n")
}

func (m Model) renderJobs(w int) string {
	if len(m.jobs) == 0 {
		return labelStyle.Render("no jobs configured")
	}

	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("  %-28s %-12s %-10s %-18s %s", "NAME", "MODE", "STATE", "SCHEDULE", "LAST RUN")))
	b.WriteString("\n")

	for i, j := range m.jobs {
		cursor := "  "
		rowStyle := valueStyle
		if i == m.cursor {
			cursor = "> "
			rowStyle = selectedStyle
		}

		state := j.Status
		style := statusActiveStyle
		switch {
		case j.IsRunning:
			state = "running"
			style = statusRunningStyle
		case j.Status == "paused", j.Status == "inactive":
			style = statusPausedStyle
		}

		schedule := j.CronExpression
		if schedule == "" {
			schedule = "manual"
		}
		lastRun := "never"
		if j.LastRunAt != nil {
			lastRun = j.LastRunAt.Local().Format("01-02 15:04:05")
		}

		line := fmt.Sprintf("%s%-28s %-12s ", cursor, truncate(j.Name, 28), j.SyncMode)
		line = rowStyle.Render(line) + style.Render(fmt.Sprintf("%-10s", state)) +
			rowStyle.Render(fmt.Sprintf(" %-18s %s", schedule, lastRun))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderDetail(j JobInfo, w int) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("job: "))
	b.WriteString(valueStyle.Render(j.Name))

	s, ok := m.statuses[j.ID]
	if !ok {
		b.WriteString(labelStyle.Render("   no runs recorded"))
		return b.String()
	}

	b.WriteString(labelStyle.Render("   last run: "))
	style := statusActiveStyle
	switch s.Status {
	case "failed":
		style = statusFailedStyle
	case "running", "stop_requested":
		style = statusRunningStyle
	case "stopped":
		style = statusPausedStyle
	}
	b.WriteString(style.Render(s.Status))
	if s.CurrentStage != "" {
		b.WriteString(labelStyle.Render("   stage: "))
		b.WriteString(valueStyle.Render(s.CurrentStage))
	}
	b.WriteString("\n")
	b.WriteString(renderProgressBar(s.ProgressPercentage, w-12))
	return b.String()
}

func renderProgressBar(pct, width int) string {
	if width < 10 {
		width = 10
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	filled := width * pct / 100
	bar := progressFullStyle.Render(strings.Repeat("█", filled)) +
		progressEmptyStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, pct)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

// Run starts the dashboard in fullscreen mode.
func Run(apiAddr string) error {
	model := NewModel(apiAddr)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
