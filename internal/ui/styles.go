// Package ui renders terminal output for the omsync commands.
package ui

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

var (
	mu       sync.RWMutex
	renderer = newRenderer(os.Stdout)
	styles   = newStyles(renderer)
)

type palette struct {
	accent, pass, warn, fail, muted, bold lipgloss.Style
}

func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	// Honours NO_COLOR and CLICOLOR_FORCE on top of TTY detection.
	r.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	return r
}

func newStyles(r *lipgloss.Renderer) palette {
	return palette{
		accent: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"}).Bold(true),
		pass:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#007700", Dark: "#5FD75F"}),
		warn:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF5F00", Dark: "#FFAF00"}),
		fail:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}).Bold(true),
		muted:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"}),
		bold:   r.NewStyle().Bold(true),
	}
}

// SetOutput points rendering at w, re-detecting its colour support.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	renderer = newRenderer(w)
	styles = newStyles(renderer)
}

func current() palette {
	mu.RLock()
	defer mu.RUnlock()
	return styles
}

func RenderAccent(s string) string { return current().accent.Render(s) }
func RenderPass(s string) string   { return current().pass.Render(s) }
func RenderWarn(s string) string   { return current().warn.Render(s) }
func RenderFail(s string) string   { return current().fail.Render(s) }
func RenderMuted(s string) string  { return current().muted.Render(s) }
func RenderBold(s string) string   { return current().bold.Render(s) }

// KeyValues aligns pairs into two columns, keys muted.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p[0]))
	}
	p := current()
	var b strings.Builder
	for _, pair := range pairs {
		key := p.muted.Width(width + 2).Render(pair[0] + ":")
		b.WriteString("  " + key + pair[1] + "\n")
	}
	return b.String()
}

// Table renders rows under a bold header.
func Table(headers []string, rows [][]string) string {
	mu.RLock()
	r := renderer
	mu.RUnlock()
	p := current()
	cell := r.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return cell.Bold(true)
			}
			return cell
		}).
		String()
}
