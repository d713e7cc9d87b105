package ui

import (
	"os"
	"sync"

	"golang.org/x/term"
)

var (
	colorOnce     sync.Once
	colorOverride *bool
	colorDetected bool
)

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// SetColor forces styling on or off, overriding detection.
func SetColor(on bool) {
	colorOverride = &on
}

// ColorEnabled reports whether styles are applied. NO_COLOR disables them,
// as does output that is not a terminal.
func ColorEnabled() bool {
	if colorOverride != nil {
		return *colorOverride
	}
	colorOnce.Do(func() {
		colorDetected = os.Getenv("NO_COLOR") == "" && IsTerminal()
	})
	return colorDetected
}
