package main

import (
	"fmt"
	"os"
)

// exitFunc is swapped in tests.
var exitFunc = os.Exit

// FatalError writes an error message to stderr and exits with code 1.
// Use this for fatal errors that prevent the command from completing.
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	exitFunc(1)
}

// FatalErrorWithHint writes an error message with a hint to stderr and exits.
func FatalErrorWithHint(message, hint string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	exitFunc(1)
}

// WarnError writes a warning message to stderr and returns.
// Use this for auxiliary steps (summary file, telemetry) whose failure
// should not fail the command.
func WarnError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
