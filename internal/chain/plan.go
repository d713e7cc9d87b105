package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	fileatomic "github.com/natefinch/atomic"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/apprenticegc/rfcflow/internal/chainid"
	"github.com/apprenticegc/rfcflow/internal/clock"
	"github.com/apprenticegc/rfcflow/internal/telemetry"
)

// Options configures BuildChains and GeneratePlan.
type Options struct {
	Repo       string
	MaxRuns    int
	StuckAfter time.Duration
	Clock      clock.Clock
}

// Plan is the remediation plan document.
type Plan struct {
	GeneratedAt time.Time   `json:"generated_at" yaml:"generated_at"`
	Repo        string      `json:"repo" yaml:"repo"`
	Summary     Summary     `json:"summary" yaml:"summary"`
	Chains      []ChainPlan `json:"chains" yaml:"chains"`
}

// Summary counts chains and matched states.
type Summary struct {
	ChainsTotal   int           `json:"chains_total" yaml:"chains_total"`
	ChainsFlagged int           `json:"chains_flagged" yaml:"chains_flagged"`
	StateCounts   map[State]int `json:"state_counts" yaml:"state_counts"`
}

// ChainPlan is one flagged chain.
type ChainPlan struct {
	ChainID            chainid.ID `json:"chain_id" yaml:"chain_id"`
	States             []State    `json:"states" yaml:"states"`
	RecommendedActions []string   `json:"recommended_actions" yaml:"recommended_actions"`
	Evidence           Evidence   `json:"evidence" yaml:"evidence"`
}

// Evidence is the snapshot a chain was classified on.
type Evidence struct {
	Issues       []Issue       `json:"issues" yaml:"issues"`
	PullRequests []PullRequest `json:"pull_requests" yaml:"pull_requests"`
	Branches     []Branch      `json:"branches" yaml:"branches"`
	WorkflowRuns []Run         `json:"workflow_runs" yaml:"workflow_runs"`
}

func evidenceOf(r *Record) Evidence {
	return Evidence{
		Issues:       nonNil(r.Issues),
		PullRequests: nonNil(r.PullRequests),
		Branches:     nonNil(r.Branches),
		WorkflowRuns: nonNil(r.Runs),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// GeneratePlan builds the chain map from src and classifies every chain.
// Only flagged chains are listed, in identifier order. It never modifies
// the source.
func GeneratePlan(ctx context.Context, src Source, opts Options) (*Plan, error) {
	ctx, span := telemetry.Tracer("").Start(ctx, "reconcile.plan")
	defer span.End()

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	now := clk.Now().UTC()

	chains, err := BuildChains(ctx, src, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	plan := &Plan{
		GeneratedAt: now,
		Repo:        opts.Repo,
		Summary:     Summary{ChainsTotal: len(chains), StateCounts: map[State]int{}},
		Chains:      []ChainPlan{},
	}
	for _, id := range SortedIDs(chains) {
		rec := chains[id]
		c := Classify(rec, now, opts.StuckAfter)
		if !c.Flagged() {
			continue
		}
		for _, s := range c.States {
			plan.Summary.StateCounts[s]++
			telemetry.Domain().RecordFlagged(ctx, string(s))
		}
		plan.Chains = append(plan.Chains, ChainPlan{
			ChainID:            id,
			States:             c.States,
			RecommendedActions: c.Actions,
			Evidence:           evidenceOf(rec),
		})
	}
	plan.Summary.ChainsFlagged = len(plan.Chains)
	span.SetAttributes(
		attribute.Int("rfcflow.chains.total", plan.Summary.ChainsTotal),
		attribute.Int("rfcflow.chains.flagged", plan.Summary.ChainsFlagged),
	)
	return plan, nil
}

// Encode renders the plan as "json" (indented) or "yaml".
func (p *Plan) Encode(format string) ([]byte, error) {
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		return append(data, '\n'), nil
	case "yaml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
}

// WriteFile encodes the plan and writes it to path atomically.
func (p *Plan) WriteFile(path, format string) error {
	data, err := p.Encode(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}
	if err := fileatomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write plan %s: %w", path, err)
	}
	return nil
}
