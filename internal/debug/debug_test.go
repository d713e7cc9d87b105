package debug

import (
	"bytes"
	"testing"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr := stdout, stderr
	SetOutput(&out, &errOut)
	t.Cleanup(func() { SetOutput(oldOut, oldErr) })
	return &out, &errOut
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		name    string
		env     bool
		verbose bool
		want    bool
	}{
		{"env set", true, false, true},
		{"verbose flag", false, true, true},
		{"neither", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldEnabled, oldVerbose := enabled, verboseMode
			defer func() { enabled, verboseMode = oldEnabled, oldVerbose }()

			enabled = tt.env
			verboseMode = tt.verbose
			if got := Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogf(t *testing.T) {
	_, errOut := capture(t)
	oldEnabled, oldVerbose := enabled, verboseMode
	defer func() { enabled, verboseMode = oldEnabled, oldVerbose }()

	enabled, verboseMode = false, false
	Logf("hidden %d\n", 1)
	if errOut.Len() != 0 {
		t.Errorf("Logf wrote %q while disabled", errOut.String())
	}

	SetVerbose(true)
	Logf("shown %d\n", 2)
	if errOut.String() != "shown 2\n" {
		t.Errorf("Logf output = %q, want %q", errOut.String(), "shown 2\n")
	}
}

func TestPrintNormalQuiet(t *testing.T) {
	out, _ := capture(t)
	defer SetQuiet(false)

	PrintNormal("a=%s\n", "1")
	SetQuiet(true)
	PrintNormal("b\n")
	PrintlnNormal("c")
	SetQuiet(false)
	PrintlnNormal("d")

	if out.String() != "a=1\nd\n" {
		t.Errorf("output = %q, want %q", out.String(), "a=1\nd\n")
	}
	if IsQuiet() {
		t.Error("IsQuiet() = true after SetQuiet(false)")
	}
}

func TestWarnfIgnoresQuiet(t *testing.T) {
	_, errOut := capture(t)
	SetQuiet(true)
	defer SetQuiet(false)

	Warnf("bad value %q\n", "x")
	if errOut.String() != "Warning: bad value \"x\"\n" {
		t.Errorf("Warnf output = %q", errOut.String())
	}
}
