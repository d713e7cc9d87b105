package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Format is the plan output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var validFormats = map[Format]bool{
	FormatJSON: true,
	FormatYAML: true,
}

// GitHub holds repository access settings.
type GitHub struct {
	Repo    string // owner/name
	Token   string
	APIURL  string
	Timeout time.Duration
}

// Owner returns the owner half of Repo.
func (g GitHub) Owner() string {
	owner, _, _ := strings.Cut(g.Repo, "/")
	return owner
}

// Name returns the repository half of Repo.
func (g GitHub) Name() string {
	_, name, _ := strings.Cut(g.Repo, "/")
	return name
}

// Notion holds ingestion client settings.
type Notion struct {
	Token   string
	APIURL  string
	Rate    float64
	Burst   int
	Retries int
	Timeout time.Duration
}

// Store holds local database settings.
type Store struct {
	Path      string
	LockStale time.Duration
	LockPoll  time.Duration
}

// Ingest holds ingestion file locations.
type Ingest struct {
	Journal string
	Summary string
}

// Reconcile holds chain reconciliation settings.
type Reconcile struct {
	MaxRuns     int
	StuckAfter  time.Duration
	Output      string
	Format      Format
	EventSource string
}

// Mutex holds series mutex settings.
type Mutex struct {
	DependenciesFile string
}

// Telemetry holds exporter settings.
type Telemetry struct {
	Enabled  bool
	Stdout   bool
	Endpoint string
}

// Config is the fully resolved configuration.
type Config struct {
	Verbose   bool
	Quiet     bool
	GitHub    GitHub
	Notion    Notion
	Store     Store
	Ingest    Ingest
	Reconcile Reconcile
	Mutex     Mutex
	Telemetry Telemetry
}

// Load builds a Config from the initialized viper instance. Invalid values
// fall back to their defaults with a warning on stderr.
func Load() Config {
	return Config{
		Verbose: GetBool("verbose"),
		Quiet:   GetBool("quiet"),
		GitHub: GitHub{
			Repo:    strings.TrimSpace(GetString("github.repo")),
			Token:   GetString("github.token"),
			APIURL:  strings.TrimRight(GetString("github.api-url"), "/"),
			Timeout: positiveDuration("github.timeout", 30*time.Second),
		},
		Notion: Notion{
			Token:   GetString("notion.token"),
			APIURL:  strings.TrimRight(GetString("notion.api-url"), "/"),
			Rate:    positiveFloat("notion.rate", 3),
			Burst:   positiveInt("notion.burst", 5),
			Retries: positiveInt("notion.retries", 5),
			Timeout: positiveDuration("notion.timeout", 30*time.Second),
		},
		Store: Store{
			Path:      GetString("store.path"),
			LockStale: positiveDuration("store.lock-stale", 300*time.Second),
			LockPoll:  positiveDuration("store.lock-poll", 2*time.Second),
		},
		Ingest: Ingest{
			Journal: GetString("ingest.journal"),
			Summary: GetString("ingest.summary"),
		},
		Reconcile: Reconcile{
			MaxRuns:     positiveInt("reconcile.max-runs", 200),
			StuckAfter:  positiveDuration("reconcile.stuck-after", 30*time.Minute),
			Output:      GetString("reconcile.output"),
			Format:      GetFormat(),
			EventSource: GetString("reconcile.event-source"),
		},
		Mutex: Mutex{
			DependenciesFile: GetString("mutex.dependencies"),
		},
		Telemetry: Telemetry{
			Enabled:  GetBool("telemetry.enabled"),
			Stdout:   GetBool("telemetry.stdout"),
			Endpoint: GetString("telemetry.endpoint"),
		},
	}
}

// Validate reports settings a command cannot run without.
func (g GitHub) Validate() error {
	if g.Owner() == "" || g.Name() == "" {
		return fmt.Errorf("github.repo must be owner/name (got %q); set GITHUB_REPOSITORY or --repo", g.Repo)
	}
	if g.Token == "" {
		return fmt.Errorf("missing GitHub token; set GITHUB_TOKEN")
	}
	return nil
}

// GetFormat retrieves the plan output format.
// Returns the configured format, or FormatJSON (default) if not set or invalid.
// Logs a warning to stderr if an invalid value is configured.
//
// Config key: reconcile.format
// Valid values: json, yaml
func GetFormat() Format {
	value := GetString("reconcile.format")
	if value == "" {
		return FormatJSON
	}

	f := Format(strings.ToLower(strings.TrimSpace(value)))
	if !validFormats[f] {
		fmt.Fprintf(os.Stderr, "Warning: invalid reconcile.format %q in config (valid: json, yaml), using default 'json'\n", value)
		return FormatJSON
	}
	return f
}

func positiveInt(key string, def int) int {
	n := GetInt(key)
	if n <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s %q in config (must be positive), using default %d\n", key, GetString(key), def)
		return def
	}
	return n
}

func positiveFloat(key string, def float64) float64 {
	f := GetFloat64(key)
	if f <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s %q in config (must be positive), using default %g\n", key, GetString(key), def)
		return def
	}
	return f
}

func positiveDuration(key string, def time.Duration) time.Duration {
	d := GetDuration(key)
	if d <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s %q in config (must be a positive duration), using default %v\n", key, GetString(key), def)
		return def
	}
	return d
}
