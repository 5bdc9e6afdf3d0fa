package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
)

// Input is everything a rule may look at. Rules are pure: the same Input
// always yields the same Decision.
type Input struct {
	Service  *catalog.ServiceDefinition
	Resource *catalog.Resource
	Slot     interval.Interval
	Zone     *time.Location
	Now      time.Time
	// Existing holds blocking reservations on Resource around Slot, at least
	// covering the slot's local calendar day.
	Existing []reservation.Occupancy
}

type Decision struct {
	Pass   bool   `json:"pass"`
	RuleID string `json:"rule_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

var Allow = Decision{Pass: true}

// Check evaluates one compiled rule. It returns an empty reason on pass.
type Check func(in Input) (pass bool, reason string)

// Factory compiles a rule payload into a Check.
type Factory func(payload json.RawMessage) (Check, error)

// Registry maps rule kinds to factories. New kinds are added by Register,
// never by inspecting payload types at evaluation time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindMaxDaily, maxDaily)
	r.Register(KindMinGap, minGap)
	r.Register(KindLeadTime, leadTime)
	r.Register(KindAllowedResource, allowedResource)
	r.Register(KindBlackout, blackout)
	return r
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

type step struct {
	id    uuid.UUID
	kind  string
	check Check
}

// Chain is a compiled, ordered rule list for one service.
type Chain struct {
	steps []step
}

// Compile orders rules by priority descending, then id ascending, and
// compiles each payload once. Unknown kinds and bad payloads are errors.
func (r *Registry) Compile(defs []*catalog.PolicyRule) (*Chain, error) {
	ordered := make([]*catalog.PolicyRule, 0, len(defs))
	for _, d := range defs {
		if d.Active {
			ordered = append(ordered, d)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := &Chain{steps: make([]step, 0, len(ordered))}
	for _, d := range ordered {
		f, ok := r.factories[d.Kind]
		if !ok {
			return nil, fmt.Errorf("rule %s: unknown kind %q", d.ID, d.Kind)
		}
		check, err := f(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("rule %s (%s): %w", d.ID, d.Kind, err)
		}
		chain.steps = append(chain.steps, step{id: d.ID, kind: d.Kind, check: check})
	}
	return chain, nil
}

func (c *Chain) Len() int { return len(c.steps) }

// Evaluate runs the rules in order and stops at the first failure.
func (c *Chain) Evaluate(in Input) Decision {
	for _, s := range c.steps {
		if pass, reason := s.check(in); !pass {
			return Decision{Pass: false, RuleID: s.id.String(), Kind: s.kind, Reason: reason}
		}
	}
	return Allow
}
