package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/apprenticegc/rfcflow/internal/github"
	"github.com/apprenticegc/rfcflow/internal/seriesmutex"
)

var mutexCmd = &cobra.Command{
	Use:     "mutex",
	Short:   "Admit an issue as the active owner of its RFC series, or queue it",
	GroupID: "flow",
	Long: `Read the series tracking issue ("RFC-XXX Series State"), apply the
acquisition rules for --issue-number and write the state back when it changed.

The result is printed as JSON. The exit code is 1 when the caller must not
proceed (queued, queued-dependency or error) and 0 otherwise.`,
	Run: func(cmd *cobra.Command, args []string) {
		issue, _ := cmd.Flags().GetInt("issue-number")
		if issue <= 0 {
			FatalError("--issue-number is required")
			return
		}
		applyRepoFlag(cmd)
		if cmd.Flags().Changed("dependencies") {
			cfg.Mutex.DependenciesFile, _ = cmd.Flags().GetString("dependencies")
		}

		client := newGitHubClient()
		deps, err := seriesmutex.LoadDependencies(cfg.Mutex.DependenciesFile)
		if err != nil {
			WarnError("%v; dependency gating disabled", err)
			deps = nil
		}

		res := runMutex(getRootContext(), github.MutexHost{Client: client}, deps, issue)
		outputJSON(res)
		if res.Status.Blocking() {
			shutdownTelemetry()
			exitFunc(1)
		}
	},
}

func init() {
	mutexCmd.Flags().Int("issue-number", 0, "Issue requesting the series lock")
	mutexCmd.Flags().String("repo", "", "owner/name repository (default from GITHUB_REPOSITORY)")
	mutexCmd.Flags().String("dependencies", "", "Dependency map JSON (default from mutex.dependencies)")
	rootCmd.AddCommand(mutexCmd)
}

// runMutex applies one mutex request. Failures become an error result so
// the caller always receives a machine-readable outcome.
func runMutex(ctx context.Context, host seriesmutex.Host, deps *seriesmutex.Dependencies, issue int) *seriesmutex.Result {
	coord := seriesmutex.NewCoordinator(host, deps, nil, logger)
	res, err := coord.EnsureSeriesState(ctx, issue)
	if err != nil {
		return seriesmutex.ErrorResult(issue, err)
	}
	return res
}
