package rules

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/domain/reservation"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func slot(h, m, minutes int) interval.Interval {
	return interval.Must(at(h, m), at(h, m).Add(time.Duration(minutes)*time.Minute))
}

func rule(kind string, priority int, payload string) *catalog.PolicyRule {
	return &catalog.PolicyRule{ID: uuid.New(), Kind: kind, Priority: priority, Payload: json.RawMessage(payload), Active: true}
}

func existing(svc uuid.UUID, span interval.Interval) reservation.Occupancy {
	return reservation.Occupancy{ReservationID: uuid.New(), ServiceID: svc, Span: span, Buffered: span, Units: 1, Status: reservation.StatusConfirmed}
}

func TestCompile_UnknownKind(t *testing.T) {
	_, err := NewRegistry().Compile([]*catalog.PolicyRule{rule("weather", 1, `{}`)})
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
}

func TestCompile_BadPayload(t *testing.T) {
	_, err := NewRegistry().Compile([]*catalog.PolicyRule{rule(KindMaxDaily, 1, `{"limit":0}`)})
	if err == nil {
		t.Fatal("expected error for non-positive limit")
	}
}

func TestCompile_SkipsInactive(t *testing.T) {
	r := rule(KindMaxDaily, 1, `not json`)
	r.Active = false
	chain, err := NewRegistry().Compile([]*catalog.PolicyRule{r})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chain.Len() != 0 {
		t.Errorf("expected empty chain, got %d", chain.Len())
	}
}

func TestEvaluate_PriorityOrderAndShortCircuit(t *testing.T) {
	svc := &catalog.ServiceDefinition{ID: uuid.New(), Duration: 30 * time.Minute}
	low := rule(KindBlackout, 1, `{"from":"2026-03-02T00:00:00Z","until":"2026-03-03T00:00:00Z","reason":"low"}`)
	high := rule(KindBlackout, 10, `{"from":"2026-03-02T00:00:00Z","until":"2026-03-03T00:00:00Z","reason":"high"}`)

	chain, err := NewRegistry().Compile([]*catalog.PolicyRule{low, high})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	d := chain.Evaluate(Input{Service: svc, Slot: slot(9, 0, 30), Now: monday})
	if d.Pass {
		t.Fatal("expected failure")
	}
	if d.RuleID != high.ID.String() || d.Reason != "high" {
		t.Errorf("expected the higher priority rule to report, got %+v", d)
	}
}

func TestEvaluate_TieBreaksOnID(t *testing.T) {
	a := rule(KindBlackout, 5, `{"from":"2026-03-02T00:00:00Z","until":"2026-03-03T00:00:00Z","reason":"a"}`)
	b := rule(KindBlackout, 5, `{"from":"2026-03-02T00:00:00Z","until":"2026-03-03T00:00:00Z","reason":"b"}`)
	first := a
	if b.ID.String() < a.ID.String() {
		first = b
	}
	chain, err := NewRegistry().Compile([]*catalog.PolicyRule{a, b})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	d := chain.Evaluate(Input{Service: &catalog.ServiceDefinition{}, Slot: slot(9, 0, 30)})
	if d.RuleID != first.ID.String() {
		t.Errorf("expected rule %s first, got %s", first.ID, d.RuleID)
	}
}

func TestMaxDaily(t *testing.T) {
	svc := &catalog.ServiceDefinition{ID: uuid.New()}
	other := uuid.New()
	chain, err := NewRegistry().Compile([]*catalog.PolicyRule{rule(KindMaxDaily, 1, `{"limit":2}`)})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	in := Input{
		Service: svc,
		Slot:    slot(14, 0, 30),
		Zone:    time.UTC,
		Existing: []reservation.Occupancy{
			existing(svc.ID, slot(9, 0, 30)),
			existing(other, slot(10, 0, 30)),
			existing(svc.ID, slot(9, 0, 30).Pad(24*time.Hour, -24*time.Hour)),
		},
	}
	if d := chain.Evaluate(in); !d.Pass {
		t.Fatalf("expected pass with one booking today, got %+v", d)
	}

	in.Existing = append(in.Existing, existing(svc.ID, slot(11, 0, 30)))
	if d := chain.Evaluate(in); d.Pass || d.Kind != KindMaxDaily {
		t.Errorf("expected max_daily failure, got %+v", d)
	}
}

func TestMaxDaily_UsesLocalDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	svc := &catalog.ServiceDefinition{ID: uuid.New()}
	chain, _ := NewRegistry().Compile([]*catalog.PolicyRule{rule(KindMaxDaily, 1, `{"limit":1}`)})

	// 03:00 UTC on Tuesday is still Monday evening in New York.
	prev := existing(svc.ID, interval.Must(at(27, 0), at(27, 30)))
	in := Input{Service: svc, Slot: slot(20, 0, 30), Zone: ny, Existing: []reservation.Occupancy{prev}}
	if d := chain.Evaluate(in); d.Pass {
		t.Error("expected the evening booking to count toward the same local day")
	}
	in.Zone = time.UTC
	if d := chain.Evaluate(in); !d.Pass {
		t.Errorf("expected pass on UTC day boundaries, got %+v", d)
	}
}

func TestMinGap(t *testing.T) {
	svc := &catalog.ServiceDefinition{ID: uuid.New()}
	chain, _ := NewRegistry().Compile([]*catalog.PolicyRule{rule(KindMinGap, 1, `{"minutes":15}`)})
	prior := []reservation.Occupancy{existing(svc.ID, slot(9, 0, 30))}

	tests := []struct {
		name string
		slot interval.Interval
		pass bool
	}{
		{"back to back after", slot(9, 30, 30), false},
		{"ten minutes after", slot(9, 40, 30), false},
		{"fifteen minutes after", slot(9, 45, 30), true},
		{"ends ten minutes before", slot(8, 20, 30), false},
		{"ends fifteen minutes before", slot(8, 15, 30), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := chain.Evaluate(Input{Service: svc, Slot: tt.slot, Existing: prior})
			if d.Pass != tt.pass {
				t.Errorf("expected pass=%v, got %+v", tt.pass, d)
			}
		})
	}
}

func TestLeadTime(t *testing.T) {
	svc := &catalog.ServiceDefinition{ID: uuid.New(), LeadTime: 2 * time.Hour}
	explicit, _ := NewRegistry().Compile([]*catalog.PolicyRule{rule(KindLeadTime, 1, `{"minutes":60}`)})
	fallback, _ := NewRegistry().Compile([]*catalog.PolicyRule{rule(KindLeadTime, 1, `{}`)})

	in := Input{Service: svc, Slot: slot(10, 0, 30), Now: at(8, 30)}
	if d := explicit.Evaluate(in); !d.Pass {
		t.Errorf("expected 90 minutes to satisfy a 60 minute lead, got %+v", d)
	}
	if d := fallback.Evaluate(in); d.Pass {
		t.Error("expected the service lead time of 2h to reject a 90 minute notice")
	}
}

func TestAllowedResource(t *testing.T) {
	allowed := uuid.New()
	chain, err := NewRegistry().Compile([]*catalog.PolicyRule{
		rule(KindAllowedResource, 1, `{"resource_ids":["`+allowed.String()+`"]}`),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	svc := &catalog.ServiceDefinition{ID: uuid.New()}
	if d := chain.Evaluate(Input{Service: svc, Resource: &catalog.Resource{ID: allowed}, Slot: slot(9, 0, 30)}); !d.Pass {
		t.Errorf("expected allowed resource to pass, got %+v", d)
	}
	if d := chain.Evaluate(Input{Service: svc, Resource: &catalog.Resource{ID: uuid.New()}, Slot: slot(9, 0, 30)}); d.Pass {
		t.Error("expected other resource to fail")
	}
}

func TestBlackout_HalfOpen(t *testing.T) {
	chain, _ := NewRegistry().Compile([]*catalog.PolicyRule{
		rule(KindBlackout, 1, `{"from":"2026-03-02T12:00:00Z","until":"2026-03-02T13:00:00Z"}`),
	})
	svc := &catalog.ServiceDefinition{}
	if d := chain.Evaluate(Input{Service: svc, Slot: slot(11, 30, 30)}); !d.Pass {
		t.Errorf("expected slot ending at blackout start to pass, got %+v", d)
	}
	if d := chain.Evaluate(Input{Service: svc, Slot: slot(12, 30, 30)}); d.Pass || d.Reason == "" {
		t.Errorf("expected failure with default reason, got %+v", d)
	}
}

func TestRegister_CustomKind(t *testing.T) {
	reg := NewRegistry()
	reg.Register("never", func(json.RawMessage) (Check, error) {
		return func(Input) (bool, string) { return false, "closed" }, nil
	})
	chain, err := reg.Compile([]*catalog.PolicyRule{rule("never", 1, ``)})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if d := chain.Evaluate(Input{}); d.Pass || d.Kind != "never" {
		t.Errorf("expected custom rule failure, got %+v", d)
	}
}
