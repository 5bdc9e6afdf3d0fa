package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/platform/timezone"
)

const (
	KindMaxDaily        = "max_daily"
	KindMinGap          = "min_gap"
	KindLeadTime        = "lead_time"
	KindAllowedResource = "allowed_resource"
	KindBlackout        = "blackout"
)

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func maxDaily(payload json.RawMessage) (Check, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	return func(in Input) (bool, string) {
		zone := in.Zone
		if zone == nil {
			zone = time.UTC
		}
		dayStart, dayEnd := timezone.DayBounds(in.Slot.Start, zone)
		count := 0
		for _, o := range in.Existing {
			if o.ServiceID != in.Service.ID || !o.Status.Blocking() {
				continue
			}
			if !o.Span.Start.Before(dayStart) && o.Span.Start.Before(dayEnd) {
				count++
			}
		}
		if count >= p.Limit {
			return false, fmt.Sprintf("daily limit of %d reached", p.Limit)
		}
		return true, ""
	}, nil
}

func minGap(payload json.RawMessage) (Check, error) {
	var p struct {
		Minutes int `json:"minutes"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Minutes <= 0 {
		return nil, fmt.Errorf("minutes must be positive")
	}
	gap := time.Duration(p.Minutes) * time.Minute
	return func(in Input) (bool, string) {
		for _, o := range in.Existing {
			if o.ServiceID != in.Service.ID || !o.Status.Blocking() {
				continue
			}
			// start within gap after an existing end, or end within gap
			// before an existing start
			if !in.Slot.Start.Before(o.Span.End) && in.Slot.Start.Sub(o.Span.End) < gap {
				return false, fmt.Sprintf("must start at least %d minutes after the previous booking", p.Minutes)
			}
			if !o.Span.Start.Before(in.Slot.End) && o.Span.Start.Sub(in.Slot.End) < gap {
				return false, fmt.Sprintf("must end at least %d minutes before the next booking", p.Minutes)
			}
		}
		return true, ""
	}, nil
}

func leadTime(payload json.RawMessage) (Check, error) {
	var p struct {
		Minutes int `json:"minutes"`
	}
	if len(payload) > 0 {
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
	}
	if p.Minutes < 0 {
		return nil, fmt.Errorf("minutes must not be negative")
	}
	return func(in Input) (bool, string) {
		lead := time.Duration(p.Minutes) * time.Minute
		if p.Minutes == 0 && in.Service != nil {
			lead = in.Service.LeadTime
		}
		if in.Slot.Start.Sub(in.Now) < lead {
			return false, fmt.Sprintf("must be booked at least %s in advance", lead)
		}
		return true, ""
	}, nil
}

func allowedResource(payload json.RawMessage) (Check, error) {
	var p struct {
		ResourceIDs []uuid.UUID `json:"resource_ids"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	allowed := make(map[uuid.UUID]bool, len(p.ResourceIDs))
	for _, id := range p.ResourceIDs {
		allowed[id] = true
	}
	return func(in Input) (bool, string) {
		if in.Resource == nil || !allowed[in.Resource.ID] {
			return false, "resource is not allowed for this service"
		}
		return true, ""
	}, nil
}

func blackout(payload json.RawMessage) (Check, error) {
	var p struct {
		From   time.Time `json:"from"`
		Until  time.Time `json:"until"`
		Reason string    `json:"reason"`
	}
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	span, err := interval.New(p.From, p.Until)
	if err != nil {
		return nil, fmt.Errorf("blackout range: %w", err)
	}
	reason := p.Reason
	if reason == "" {
		reason = "slot falls in a blackout period"
	}
	return func(in Input) (bool, string) {
		if in.Slot.Overlaps(span) {
			return false, reason
		}
		return true, ""
	}, nil
}
