package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/subgraph-runtime/entity"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	handlerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectHandler modelState = iota
	stateInputTrigger
	stateShowResult
)

type interactiveModel struct {
	err      error
	h        *harness
	opts     options
	handlers []string
	ops      []entity.Operation
	input    textinput.Model
	selected int
	state    modelState
}

func newInteractiveModel(opts options) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "empty for a block trigger at #1"
	ti.Prompt = "trigger: "
	ti.Width = 60
	ti.SetValue(opts.trigger)
	return &interactiveModel{opts: opts, input: ti, state: stateSelectHandler}
}

type loadedMsg struct {
	err error
	h   *harness
}

type processedMsg struct {
	err error
	ops []entity.Operation
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	h, err := newHarness(context.Background(), m.opts)
	return loadedMsg{h: h, err: err}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.quit()

		case "q":
			if m.state != stateInputTrigger {
				return m, m.quit()
			}

		case "up", "k":
			if m.state == stateSelectHandler && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectHandler && m.selected < len(m.handlers)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectHandler:
				if len(m.handlers) > 0 {
					m.state = stateInputTrigger
					m.input.Focus()
					return m, textinput.Blink
				}
			case stateInputTrigger:
				m.input.Blur()
				return m, m.process
			case stateShowResult:
				m.reset()
			}
			return m, nil

		case "esc":
			switch m.state {
			case stateInputTrigger:
				m.input.Blur()
				m.state = stateSelectHandler
			case stateShowResult:
				m.reset()
			}
			return m, nil
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.h = msg.h
		m.handlers = msg.h.module.Handlers()
		for i, name := range m.handlers {
			if name == m.opts.handler {
				m.selected = i
			}
		}

	case processedMsg:
		m.ops = msg.ops
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputTrigger {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) quit() tea.Cmd {
	if m.h != nil {
		m.h.Close(context.Background())
		m.h = nil
	}
	return tea.Quit
}

func (m *interactiveModel) reset() {
	m.state = stateSelectHandler
	m.ops = nil
	m.err = nil
}

func (m *interactiveModel) process() tea.Msg {
	t, err := loadTrigger(strings.TrimSpace(m.input.Value()))
	if err != nil {
		return processedMsg{err: fmt.Errorf("trigger: %w", err)}
	}
	ops, err := m.h.Process(context.Background(), m.handlers[m.selected], t)
	return processedMsg{ops: ops, err: err}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.h == nil {
		return "Loading module..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Mapping Runner"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasm)
	b.WriteString(" ")
	b.WriteString(helpStyle.Render("apiVersion " + m.h.module.APIVersion().String()))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectHandler:
		if len(m.handlers) == 0 {
			b.WriteString(errorStyle.Render("The module exports no handlers."))
			b.WriteString("\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a handler to run:\n\n")
		for i, name := range m.handlers {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + name))
			} else {
				b.WriteString("  " + handlerStyle.Render(name))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter choose • q quit"))

	case stateInputTrigger:
		b.WriteString(fmt.Sprintf("Running %s\n\n", handlerStyle.Render(m.handlers[m.selected])))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("path to a JSON trigger • enter run • esc back"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", handlerStyle.Render(m.handlers[m.selected])))
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		case len(m.ops) == 0:
			b.WriteString(resultStyle.Render("no entity operations"))
		default:
			for _, op := range m.ops {
				b.WriteString(resultStyle.Render(op.String()))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}
	return b.String()
}

func runInteractive(opts options) error {
	m := newInteractiveModel(opts)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if m.h != nil {
		m.h.Close(context.Background())
	}
	return err
}
