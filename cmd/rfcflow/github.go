package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/apprenticegc/rfcflow/internal/debug"
	"github.com/apprenticegc/rfcflow/internal/github"
)

// applyRepoFlag lets --repo override github.repo.
func applyRepoFlag(cmd *cobra.Command) {
	if cmd.Flags().Changed("repo") {
		cfg.GitHub.Repo, _ = cmd.Flags().GetString("repo")
	}
}

// newGitHubClient builds a client from cfg, exiting when the repository
// or token is missing.
func newGitHubClient() *github.Client {
	if err := cfg.GitHub.Validate(); err != nil {
		FatalError("%v", err)
		return nil
	}
	c := github.NewClient(cfg.GitHub.Token, cfg.GitHub.Owner(), cfg.GitHub.Name(), github.Options{
		Timeout: cfg.GitHub.Timeout,
	})
	if cfg.GitHub.APIURL != "" {
		c.WithBaseURL(cfg.GitHub.APIURL)
	}
	c.Executor().OnRetry = func(attempt int, wait time.Duration, err error) {
		debug.Logf("github retry %d in %s: %v\n", attempt, wait, err)
	}
	return c
}
