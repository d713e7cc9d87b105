// Package debug gates diagnostic and informational CLI output.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("RFCFLOW_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	mu     sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// SetOutput redirects normal and diagnostic output. Nil leaves a stream unchanged.
func SetOutput(out, errOut io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

// Logf writes to stderr when debug output is enabled.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(stderr, format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
// Use this for normal informational output that should be suppressed in quiet mode
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(stdout, format, args...)
	}
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(stdout, args...)
	}
}

// Warnf always writes to stderr, prefixed with "Warning: ".
func Warnf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(stderr, "Warning: "+format, args...)
}
