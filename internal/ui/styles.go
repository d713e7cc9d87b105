// Package ui provides terminal styling for rfcflow CLI output.
// Colors adapt to light and dark terminals and are dropped entirely when
// output is not a terminal.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	PassStyle     = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle     = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle     = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle   = lipgloss.NewStyle().Foreground(ColorAccent)
	CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
	IconInfo = "ℹ"
)

// TreeLast prefixes detail lines under an outcome.
const TreeLast = "└─ "

const SeparatorLight = "──────────────────────────────────────────"

// Level classifies an outcome line.
type Level int

const (
	LevelInfo Level = iota
	LevelPass
	LevelWarn
	LevelFail
	LevelSkip
)

func (l Level) style() lipgloss.Style {
	switch l {
	case LevelPass:
		return PassStyle
	case LevelWarn:
		return WarnStyle
	case LevelFail:
		return FailStyle
	case LevelSkip:
		return MutedStyle
	default:
		return AccentStyle
	}
}

func (l Level) icon() string {
	switch l {
	case LevelPass:
		return IconPass
	case LevelWarn:
		return IconWarn
	case LevelFail:
		return IconFail
	case LevelSkip:
		return IconSkip
	default:
		return IconInfo
	}
}

func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

func RenderPass(s string) string   { return render(PassStyle, s) }
func RenderWarn(s string) string   { return render(WarnStyle, s) }
func RenderFail(s string) string   { return render(FailStyle, s) }
func RenderMuted(s string) string  { return render(MutedStyle, s) }
func RenderAccent(s string) string { return render(AccentStyle, s) }

// RenderCategory renders a section header in uppercase with accent color
func RenderCategory(s string) string {
	return render(CategoryStyle, strings.ToUpper(s))
}

// RenderSeparator renders the light separator line in muted color
func RenderSeparator() string {
	return render(MutedStyle, SeparatorLight)
}

// Outcome renders one result line: an icon, the subject and a muted detail,
// e.g. "✓ page-1 new". Details after the first go on tree lines below.
func Outcome(level Level, subject string, details ...string) string {
	var b strings.Builder
	b.WriteString(render(level.style(), level.icon()))
	b.WriteString(" ")
	b.WriteString(subject)
	for i, d := range details {
		if d == "" {
			continue
		}
		if i == 0 {
			b.WriteString(" ")
			b.WriteString(render(MutedStyle, d))
			continue
		}
		b.WriteString("\n  ")
		b.WriteString(render(MutedStyle, TreeLast+d))
	}
	return b.String()
}
