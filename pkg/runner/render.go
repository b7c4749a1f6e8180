package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Renderer pretty-prints the subprocess's stream-json stdout to the
// console. Lines that do not parse as stream events pass through dimmed.
// A nil Renderer is silent, so headless executions can skip console output
// entirely.
type Renderer struct {
	w      io.Writer
	styled bool

	roleStyle lipgloss.Style
	toolStyle lipgloss.Style
	textStyle lipgloss.Style
	dimStyle  lipgloss.Style
	errStyle  lipgloss.Style
}

// NewRenderer creates a renderer writing to stdout. Styling is applied
// only when stdout is a terminal.
func NewRenderer() *Renderer {
	return NewRendererTo(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

// NewRendererTo creates a renderer with an explicit target and styling
// toggle (for tests).
func NewRendererTo(w io.Writer, styled bool) *Renderer {
	return &Renderer{
		w:         w,
		styled:    styled,
		roleStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		toolStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		textStyle: lipgloss.NewStyle(),
		dimStyle:  lipgloss.NewStyle().Faint(true),
		errStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

// streamEvent is the subset of the claude stream-json event shape the
// renderer cares about.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Line renders one stdout line. Safe on a nil receiver.
func (r *Renderer) Line(line string) {
	if r == nil {
		return
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		fmt.Fprintln(r.w, r.style(r.dimStyle, truncateLine(line)))
		return
	}

	switch ev.Type {
	case "assistant":
		r.renderAssistant(ev)
	case "result":
		if ev.IsError {
			fmt.Fprintln(r.w, r.style(r.errStyle, "✗ "+truncateLine(ev.Result)))
		} else {
			fmt.Fprintln(r.w, r.style(r.roleStyle, "✓ done"))
		}
	case "system":
		fmt.Fprintln(r.w, r.style(r.dimStyle, "· "+ev.Subtype))
	default:
		fmt.Fprintln(r.w, r.style(r.dimStyle, truncateLine(line)))
	}
}

func (r *Renderer) renderAssistant(ev streamEvent) {
	if ev.Message == nil {
		return
	}
	for _, c := range ev.Message.Content {
		switch c.Type {
		case "text":
			text := strings.TrimSpace(c.Text)
			if text != "" {
				fmt.Fprintln(r.w, r.style(r.textStyle, truncateLine(text)))
			}
		case "tool_use":
			fmt.Fprintln(r.w, r.style(r.toolStyle, "→ "+c.Name))
		}
	}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

// truncateLine keeps console output one screen line per event. Truncation
// counts runes so a multibyte character is never split.
func truncateLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= 160 {
		return s
	}
	return string([]rune(s)[:160]) + "…"
}
