package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventChainBroken is the dispatch event type emitted per flagged chain.
const EventChainBroken = "chain_broken"

// DefaultEventSource identifies this tool in event envelopes.
const DefaultEventSource = "chain-consistency-manager"

// Dispatcher delivers repository events.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload any) error
}

// Envelope wraps every emitted event.
type Envelope struct {
	EventID   string         `json:"event_id"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	Payload   BrokenChain `json:"payload"`
}

// BrokenChain describes one flagged chain.
type BrokenChain struct {
	ChainID            string   `json:"chain_id"`
	Repo               string   `json:"repo,omitempty"`
	States             []State  `json:"states"`
	RecommendedActions []string `json:"recommended_actions"`
}

// EventOutcome reports one dispatch.
type EventOutcome struct {
	ChainID string
	EventID string
	Err     error
}

// EmitEvents dispatches one chain_broken event per flagged chain. A failed
// dispatch is recorded and the remaining chains are still emitted.
func EmitEvents(ctx context.Context, d Dispatcher, plan *Plan, source string, now time.Time) []EventOutcome {
	if source == "" {
		source = DefaultEventSource
	}
	out := make([]EventOutcome, 0, len(plan.Chains))
	for _, cp := range plan.Chains {
		env := Envelope{
			EventID:   uuid.NewString(),
			Source:    source,
			Timestamp: now.UTC().Format(time.RFC3339),
			Payload: BrokenChain{
				ChainID:            cp.ChainID.String(),
				Repo:               plan.Repo,
				States:             cp.States,
				RecommendedActions: cp.RecommendedActions,
			},
		}
		err := d.Dispatch(ctx, EventChainBroken, env)
		if err != nil {
			err = fmt.Errorf("failed to emit %s for %s: %w", EventChainBroken, cp.ChainID, err)
		}
		out = append(out, EventOutcome{ChainID: cp.ChainID.String(), EventID: env.EventID, Err: err})
	}
	return out
}
