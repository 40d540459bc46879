package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/extractor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	err     error
	ex      *extractor.Extractor
	cfg     extractor.Config
	version string
	result  string
	status  string
	input   textinput.Model
	elapsed time.Duration
	state   modelState
}

type modelState int

const (
	stateInput modelState = iota
	stateRunning
	stateShowResult
)

func newInteractiveModel(cfg extractor.Config) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "<p>some <b>markup</b></p>"
	ti.Prompt = "content: "
	ti.Width = 60
	ti.CharLimit = 0
	ti.Focus()
	return &interactiveModel{cfg: cfg, input: ti, state: stateInput}
}

type createdMsg struct {
	err error
	ex  *extractor.Extractor
}

type extractResultMsg struct {
	err     error
	result  string
	version string
	elapsed time.Duration
}

type refreshedMsg struct {
	err     error
	version string
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.create)
}

func (m *interactiveModel) create() tea.Msg {
	ex, err := extractor.New(m.cfg)
	return createdMsg{ex: ex, err: err}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInput {
				m.close()
				return m, tea.Quit
			}

		case "ctrl+r":
			if m.ex != nil && m.state != stateRunning {
				m.status = "refreshing..."
				return m, m.refresh
			}

		case "enter":
			switch m.state {
			case stateInput:
				if m.ex == nil {
					return m, nil
				}
				m.state = stateRunning
				return m, m.extract(m.input.Value())

			case stateShowResult:
				m.state = stateInput
				m.result = ""
				m.err = nil
				m.input.Focus()
			}

		case "esc":
			if m.state == stateShowResult {
				m.state = stateInput
				m.result = ""
				m.err = nil
				m.input.Focus()
			}
		}

	case createdMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.ex = msg.ex

	case extractResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.elapsed = msg.elapsed
		if msg.version != "" {
			m.version = msg.version
		}
		m.state = stateShowResult
		m.input.Blur()

	case refreshedMsg:
		if msg.err != nil {
			m.status = errorStyle.Render(fmt.Sprintf("refresh failed: %v", msg.err))
		} else {
			m.version = msg.version
			m.status = "refreshed"
		}
	}

	if m.state == stateInput {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) extract(content string) tea.Cmd {
	ex := m.ex
	return func() tea.Msg {
		start := time.Now()
		res, err := ex.Extract(context.Background(), content)
		version, _ := ex.Version()
		return extractResultMsg{
			result:  res.Text,
			err:     err,
			version: version,
			elapsed: time.Since(start),
		}
	}
}

func (m *interactiveModel) refresh() tea.Msg {
	if err := m.ex.Refresh(context.Background()); err != nil {
		return refreshedMsg{err: err}
	}
	version, _ := m.ex.Version()
	return refreshedMsg{version: version}
}

func (m *interactiveModel) close() {
	if m.ex != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.ex.Close(ctx)
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.ex == nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress ctrl+c to quit.", m.err))
	}

	if m.ex == nil {
		return "Preparing sandbox..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Plugin Sandbox"))
	b.WriteString(" ")
	b.WriteString(m.cfg.Endpoint)
	b.WriteString("\n")
	if m.version != "" {
		b.WriteString("module ")
		b.WriteString(funcStyle.Render(m.version))
		b.WriteString(" pool ")
		pool := m.cfg.Pool
		if pool == "" {
			pool = extractor.PoolNone
		}
		b.WriteString(typeStyle.Render(string(pool)))
		b.WriteString("\n")
	}
	if m.status != "" {
		b.WriteString(helpStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateInput:
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render("extractor.extract")))
		b.WriteString(m.input.View())
		b.WriteString(" ")
		b.WriteString(typeStyle.Render("string"))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter extract • ctrl+r refresh • ctrl+c quit"))

	case stateRunning:
		b.WriteString("Extracting...")

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s (%s):\n\n", funcStyle.Render("extract"), m.elapsed.Round(time.Millisecond)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error [%s]: %v", errors.KindOf(m.err), m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • ctrl+r refresh • q quit"))
	}

	return b.String()
}

func runInteractive(cfg extractor.Config) error {
	p := tea.NewProgram(newInteractiveModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
