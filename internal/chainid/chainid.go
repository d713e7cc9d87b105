// Package chainid parses and renders RFC micro-task identifiers.
//
// A chain identifier has the canonical form RFC-SSS-MM (series zero-padded to
// three digits, micro task to two). Titles and branch names written by humans
// and bots use varying widths, so every extracted identifier is re-rendered
// before it is used as a key.
package chainid

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	// titlePattern matches identifiers in free text, optionally prefixed.
	titlePattern = regexp.MustCompile(`(?i)(?:Game-)?RFC-(\d{1,4})-(\d{1,3})`)

	// branchPattern matches the automation branch naming convention.
	branchPattern = regexp.MustCompile(`(?i)(?:copilot|automation|bot)/rfc-(\d{1,4})-(\d{1,3})`)
)

// ID identifies one micro task within an RFC series.
type ID struct {
	Series int
	Micro  int
}

// String renders the canonical zero-padded identifier, e.g. "RFC-093-02".
func (id ID) String() string {
	return fmt.Sprintf("RFC-%03d-%02d", id.Series, id.Micro)
}

// SeriesKey renders the parent series, e.g. "RFC-093".
func (id ID) SeriesKey() string {
	return fmt.Sprintf("RFC-%03d", id.Series)
}

// Less orders identifiers by series then micro task.
func (id ID) Less(other ID) bool {
	if id.Series != other.Series {
		return id.Series < other.Series
	}
	return id.Micro < other.Micro
}

// MarshalText implements encoding.TextMarshaler so IDs render canonically as
// JSON/YAML values and map keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, ok := Extract(string(text))
	if !ok {
		return fmt.Errorf("invalid chain identifier %q", string(text))
	}
	*id = parsed
	return nil
}

// Extract finds the first identifier in free text such as an issue or pull
// request title. It never fails; ok reports whether an identifier was found.
func Extract(text string) (ID, bool) {
	return match(titlePattern, text)
}

// ExtractBranch finds an identifier in a branch name, preferring the
// automation branch convention and falling back to the free-text pattern.
func ExtractBranch(name string) (ID, bool) {
	if id, ok := match(branchPattern, name); ok {
		return id, true
	}
	return Extract(name)
}

// IsAutomationBranch reports whether name follows the automation branch
// convention (copilot/, automation/ or bot/ followed by rfc-SSS-MM).
func IsAutomationBranch(name string) bool {
	return branchPattern.MatchString(name)
}

func match(re *regexp.Regexp, text string) (ID, bool) {
	if text == "" {
		return ID{}, false
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 3 {
		return ID{}, false
	}
	series, err := strconv.Atoi(m[1])
	if err != nil {
		return ID{}, false
	}
	micro, err := strconv.Atoi(m[2])
	if err != nil {
		return ID{}, false
	}
	return ID{Series: series, Micro: micro}, true
}
