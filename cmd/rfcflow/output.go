package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// outputJSON outputs data as pretty-printed JSON to stdout.
func outputJSON(v interface{}) {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		exitFunc(1)
	}
}
