package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
)

// Memory is an in-process catalog used by tests and local runs.
type Memory struct {
	mu        sync.RWMutex
	services  map[uuid.UUID]*ServiceDefinition
	locations map[uuid.UUID]*Location
	resources map[uuid.UUID]*Resource
	windows   map[uuid.UUID][]*AvailabilityWindow
	rules     map[uuid.UUID][]*PolicyRule
}

func NewMemory() *Memory {
	return &Memory{
		services:  make(map[uuid.UUID]*ServiceDefinition),
		locations: make(map[uuid.UUID]*Location),
		resources: make(map[uuid.UUID]*Resource),
		windows:   make(map[uuid.UUID][]*AvailabilityWindow),
		rules:     make(map[uuid.UUID][]*PolicyRule),
	}
}

func (m *Memory) PutService(s *ServiceDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

func (m *Memory) PutLocation(l *Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = l
}

func (m *Memory) PutResource(r *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
}

func (m *Memory) AddWindow(w *AvailabilityWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	m.windows[w.ResourceID] = append(m.windows[w.ResourceID], w)
}

func (m *Memory) AddRule(p *PolicyRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.rules[p.ServiceID] = append(m.rules[p.ServiceID], p)
}

func (m *Memory) Service(_ context.Context, id uuid.UUID) (*ServiceDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Memory) Location(_ context.Context, id uuid.UUID) (*Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *Memory) Resource(_ context.Context, id uuid.UUID) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Resources(_ context.Context, locationID uuid.UUID, kind ResourceKind, typeCode string) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Resource
	for _, r := range m.resources {
		if !r.Active || r.LocationID != locationID || r.Kind != kind {
			continue
		}
		if typeCode != "" && r.TypeCode != typeCode {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *Memory) Windows(_ context.Context, resourceID uuid.UUID, rng interval.Interval) ([]*AvailabilityWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AvailabilityWindow
	for _, w := range m.windows[resourceID] {
		if w.Recurrence != nil || (w.Start.Before(rng.End) && rng.Start.Before(w.End)) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) Rules(_ context.Context, serviceID uuid.UUID) ([]*PolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PolicyRule
	for _, p := range m.rules[serviceID] {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}
