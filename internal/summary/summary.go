// Package summary maintains a flat JSON metrics file shared by several
// commands. Each write merges into the keys already present.
package summary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// Keys written by the commands.
const (
	KeyAPIRetries          = "api_retries"
	KeyThrottleSleep       = "throttle_sleep_seconds"
	KeyPagesTotal          = "pages_total"
	KeyPagesNew            = "pages_new"
	KeyPagesUnchanged      = "pages_unchanged"
	KeyPagesFailed         = "pages_failed"
	KeyChainsTotal         = "chains_total"
	KeyChainsFlagged       = "chains_flagged"
	KeyRemediationFailures = "remediation_failures"
)

// Read returns the current contents of path. A missing or empty file yields
// an empty map.
func Read(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read summary %s: %w", path, err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse summary %s: %w", path, err)
	}
	return out, nil
}

// Merge overlays values onto the existing file at path and rewrites it
// atomically. Keys not in values are kept.
func Merge(path string, values map[string]any) error {
	current, err := Read(path)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write summary %s: %w", path, err)
	}
	return nil
}

// Seconds renders d as seconds rounded to milliseconds.
func Seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
