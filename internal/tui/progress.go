// Package tui renders a live view of a running import.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	loader "github.com/kiltia/invoiceloader"
	"github.com/kiltia/invoiceloader/config"
)

const refreshInterval = 500 * time.Millisecond

// Source is the part of a pipeline the view polls.
type Source interface {
	Metrics() loader.MetricsSnapshot
	Total() int
	Skipped() int64
	State() loader.State
}

// DoneMsg tells the view that the run returned.
type DoneMsg struct {
	Summary loader.RunSummary
	Err     error
}

type tickMsg time.Time

type ProgressModel struct {
	src     Source
	cfg     *config.Config
	spinner spinner.Model
	bar     progress.Model

	snapshot loader.MetricsSnapshot
	total    int
	skipped  int64

	done     bool
	quitting bool
	summary  loader.RunSummary
	err      error
}

func NewProgressModel(src Source, cfg *config.Config) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = Styles.ConfigVar
	return ProgressModel{
		src:     src,
		cfg:     cfg,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(48)),
	}
}

// Quitting reports whether the user asked to stop before the run returned.
func (m ProgressModel) Quitting() bool { return m.quitting }

func (m ProgressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		m.poll()
		if m.done {
			return m, nil
		}
		return m, tick()
	case DoneMsg:
		m.poll()
		m.done = true
		m.summary = msg.Summary
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ProgressModel) poll() {
	m.snapshot = m.src.Metrics()
	m.total = m.src.Total()
	m.skipped = m.src.Skipped()
}

func (m ProgressModel) percent() float64 {
	if m.total == 0 {
		return 0
	}
	return min(float64(m.snapshot.Read())/float64(m.total), 1)
}

func (m ProgressModel) View() string {
	var s strings.Builder
	s.WriteString(Styles.Title.Render("Invoice loader") + "\n\n")

	if m.cfg != nil {
		for _, kv := range [][2]string{
			{"input-dir", m.cfg.InputDir},
			{"threads", fmt.Sprint(m.cfg.Threads)},
			{"chunk-size", fmt.Sprint(m.cfg.ChunkSize)},
			{"writer-batch-size", fmt.Sprint(m.cfg.WriterBatchSize)},
			{"skip-limit", fmt.Sprint(m.cfg.SkipLimit)},
		} {
			fmt.Fprintf(&s, "%s=%s\n", Styles.ConfigVar.Render(kv[0]), Styles.ConfigValue.Render(kv[1]))
		}
		s.WriteString("\n")
	}

	if m.done {
		s.WriteString(m.renderSummary())
	} else {
		fmt.Fprintf(&s, "%s %s\n\n", m.spinner.View(), Styles.Normal.Render(m.src.State().String()))
	}

	s.WriteString(m.bar.ViewAs(m.percent()) + "\n\n")
	fmt.Fprintf(
		&s,
		"read %d/%d  written %d  skipped %d\n",
		m.snapshot.Read(), m.total, m.snapshot.Written, m.skipped,
	)
	fmt.Fprintf(
		&s,
		"%s\n%s\n",
		Styles.Muted.Render(formatTiming("parse", m.snapshot.Parse)),
		Styles.Muted.Render(formatTiming("write", m.snapshot.Write)),
	)

	if !m.done {
		s.WriteString("\n" + Styles.Muted.Render("q: stop the run") + "\n")
	}
	return s.String()
}

func (m ProgressModel) renderSummary() string {
	line := fmt.Sprintf(
		"%s: read=%d write=%d skip=%d",
		m.summary.Status, m.summary.Read, m.summary.Written, m.summary.Skipped,
	)
	if m.err != nil || m.summary.Status == loader.StatusAborted {
		out := Styles.Error.Render(line) + "\n"
		if m.err != nil {
			out += Styles.Error.Render(m.err.Error()) + "\n"
		}
		return out + "\n"
	}
	return Styles.Success.Render(line) + "\n\n"
}

func formatTiming(name string, t loader.Timing) string {
	if t.N == 0 {
		return fmt.Sprintf("%s: no samples", name)
	}
	return fmt.Sprintf("%s: min %dms avg %.1fms max %dms n=%d", name, t.Min, t.Avg, t.Max, t.N)
}
