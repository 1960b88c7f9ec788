package ui

import (
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Theme represents the current color scheme
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// currentTheme holds the active theme (set at init)
var currentTheme Theme = ThemeDark

// Dark Theme - Tokyo Night
var darkColors = struct {
	Bg, Surface, Border, Text, TextDim  lipgloss.Color
	Accent, Purple, Cyan, Green, Yellow lipgloss.Color
	Orange, Red, Comment                lipgloss.Color
}{
	Bg:      lipgloss.Color("#1a1b26"),
	Surface: lipgloss.Color("#24283b"),
	Border:  lipgloss.Color("#414868"),
	Text:    lipgloss.Color("#c0caf5"),
	TextDim: lipgloss.Color("#787fa0"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Purple:  lipgloss.Color("#bb9af7"),
	Cyan:    lipgloss.Color("#7dcfff"),
	Green:   lipgloss.Color("#9ece6a"),
	Yellow:  lipgloss.Color("#e0af68"),
	Orange:  lipgloss.Color("#ff9e64"),
	Red:     lipgloss.Color("#f7768e"),
	Comment: lipgloss.Color("#787fa0"),
}

// Light Theme - Tokyo Night Light variant
var lightColors = struct {
	Bg, Surface, Border, Text, TextDim  lipgloss.Color
	Accent, Purple, Cyan, Green, Yellow lipgloss.Color
	Orange, Red, Comment                lipgloss.Color
}{
	Bg:      lipgloss.Color("#d5d6db"),
	Surface: lipgloss.Color("#e9e9ec"),
	Border:  lipgloss.Color("#9699a3"),
	Text:    lipgloss.Color("#343b58"),
	TextDim: lipgloss.Color("#6a6d7c"),
	Accent:  lipgloss.Color("#34548a"),
	Purple:  lipgloss.Color("#7847bd"),
	Cyan:    lipgloss.Color("#166775"),
	Green:   lipgloss.Color("#485e30"),
	Yellow:  lipgloss.Color("#8f5e15"),
	Orange:  lipgloss.Color("#965027"),
	Red:     lipgloss.Color("#8c4351"),
	Comment: lipgloss.Color("#6a6d7c"),
}

// Active color variables (set by InitTheme)
var (
	ColorBg      lipgloss.Color
	ColorSurface lipgloss.Color
	ColorBorder  lipgloss.Color
	ColorText    lipgloss.Color
	ColorTextDim lipgloss.Color
	ColorAccent  lipgloss.Color
	ColorPurple  lipgloss.Color
	ColorCyan    lipgloss.Color
	ColorGreen   lipgloss.Color
	ColorYellow  lipgloss.Color
	ColorOrange  lipgloss.Color
	ColorRed     lipgloss.Color
	ColorComment lipgloss.Color
)

// themeMu guards the color and style globals during live theme switches.
var themeMu sync.RWMutex

// InitTheme sets the active palette. Anything but "light" selects dark.
func InitTheme(theme string) {
	themeMu.Lock()
	defer themeMu.Unlock()
	if theme == "light" {
		currentTheme = ThemeLight
		ColorBg = lightColors.Bg
		ColorSurface = lightColors.Surface
		ColorBorder = lightColors.Border
		ColorText = lightColors.Text
		ColorTextDim = lightColors.TextDim
		ColorAccent = lightColors.Accent
		ColorPurple = lightColors.Purple
		ColorCyan = lightColors.Cyan
		ColorGreen = lightColors.Green
		ColorYellow = lightColors.Yellow
		ColorOrange = lightColors.Orange
		ColorRed = lightColors.Red
		ColorComment = lightColors.Comment
	} else {
		currentTheme = ThemeDark
		ColorBg = darkColors.Bg
		ColorSurface = darkColors.Surface
		ColorBorder = darkColors.Border
		ColorText = darkColors.Text
		ColorTextDim = darkColors.TextDim
		ColorAccent = darkColors.Accent
		ColorPurple = darkColors.Purple
		ColorCyan = darkColors.Cyan
		ColorGreen = darkColors.Green
		ColorYellow = darkColors.Yellow
		ColorOrange = darkColors.Orange
		ColorRed = darkColors.Red
		ColorComment = darkColors.Comment
	}
	initStyles()
}

// GetCurrentTheme returns the active theme
func GetCurrentTheme() Theme {
	return currentTheme
}

func init() {
	InitTheme("dark")
}

// Chat view styles, rebuilt by InitTheme.
var (
	BaseStyle    lipgloss.Style
	TitleStyle   lipgloss.Style
	DimStyle     lipgloss.Style
	ErrorStyle   lipgloss.Style
	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style

	HeaderStyle      lipgloss.Style
	UserNameStyle    lipgloss.Style
	AgentNameStyle   lipgloss.Style
	UserBubbleStyle  lipgloss.Style
	AgentBubbleStyle lipgloss.Style
	ImageTagStyle    lipgloss.Style
	TimestampStyle   lipgloss.Style
	UnreadStyle      lipgloss.Style

	InputStyle lipgloss.Style

	ToastStyle      lipgloss.Style
	ToastErrorStyle lipgloss.Style

	DialogBoxStyle    lipgloss.Style
	DialogTitleStyle  lipgloss.Style
	DialogKeyStyle    lipgloss.Style
	DialogActionStyle lipgloss.Style
)

// Auth state badge colors.
var authBadgeColors map[string]lipgloss.Color

func initStyles() {
	BaseStyle = lipgloss.NewStyle().Foreground(ColorText)
	TitleStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	DimStyle = lipgloss.NewStyle().Foreground(ColorTextDim)
	ErrorStyle = lipgloss.NewStyle().Foreground(ColorRed)
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorGreen)
	WarningStyle = lipgloss.NewStyle().Foreground(ColorYellow)

	HeaderStyle = lipgloss.NewStyle().
		Foreground(ColorText).
		Background(ColorSurface).
		Padding(0, 1)
	UserNameStyle = lipgloss.NewStyle().Foreground(ColorCyan).Bold(true)
	AgentNameStyle = lipgloss.NewStyle().Foreground(ColorPurple).Bold(true)
	UserBubbleStyle = lipgloss.NewStyle().
		Foreground(ColorText).
		Border(lipgloss.NormalBorder(), false, true, false, false).
		BorderForeground(ColorCyan).
		Padding(0, 1)
	AgentBubbleStyle = lipgloss.NewStyle().
		Foreground(ColorText).
		Border(lipgloss.NormalBorder(), false, false, false, true).
		BorderForeground(ColorPurple).
		Padding(0, 1)
	ImageTagStyle = lipgloss.NewStyle().Foreground(ColorOrange)
	TimestampStyle = lipgloss.NewStyle().Foreground(ColorComment)
	UnreadStyle = lipgloss.NewStyle().Foreground(ColorYellow).Bold(true)

	InputStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)

	ToastStyle = lipgloss.NewStyle().Foreground(ColorGreen).Padding(0, 1)
	ToastErrorStyle = lipgloss.NewStyle().Foreground(ColorRed).Bold(true).Padding(0, 1)

	DialogBoxStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Background(ColorSurface).
		Padding(1, 2)
	DialogTitleStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	DialogKeyStyle = lipgloss.NewStyle().
		Foreground(ColorBg).
		Background(ColorAccent).
		Bold(true).
		Padding(0, 1)
	DialogActionStyle = lipgloss.NewStyle().Foreground(ColorTextDim)

	authBadgeColors = map[string]lipgloss.Color{
		"NOT_REQUESTED": ColorTextDim,
		"REQUESTED":     ColorYellow,
		"ACCEPTED":      ColorGreen,
		"REJECTED":      ColorOrange,
		"BANNED":        ColorRed,
	}
}

// AuthBadge renders a consent state for the header.
func AuthBadge(state string) string {
	themeMu.RLock()
	color, ok := authBadgeColors[state]
	themeMu.RUnlock()
	if !ok {
		color = ColorTextDim
	}
	return lipgloss.NewStyle().Foreground(color).Render("push: " + strings.ToLower(state))
}
