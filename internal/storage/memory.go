package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"promobot/internal/audience"
	"promobot/internal/domain"
)

type memoryStore struct {
	mu        sync.RWMutex
	customers map[string]domain.Customer
	campaigns map[string]domain.Campaign
	messages  map[string]domain.Message
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		customers: map[string]domain.Customer{},
		campaigns: map[string]domain.Campaign{},
		messages:  map[string]domain.Message{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) UpsertCustomer(_ context.Context, c domain.Customer) error {
	s.mu.Lock()
	s.customers[c.ID] = cloneCustomer(c)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) FindActiveCustomers(_ context.Context, q audience.Query) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Customer
	for _, c := range s.customers {
		if q.Matches(c) {
			out = append(out, cloneCustomer(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) GetCustomer(_ context.Context, id string) (domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return domain.Customer{}, fmt.Errorf("customer %s: %w", id, domain.ErrNotFound)
	}
	return cloneCustomer(c), nil
}

func (s *memoryStore) LoadCampaign(_ context.Context, id string) (domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	return cloneCampaign(c), nil
}

func (s *memoryStore) SaveCampaign(_ context.Context, c domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.campaigns[c.ID]; ok {
		c.Metrics = prev.Metrics
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *memoryStore) ListCampaigns(_ context.Context, f CampaignFilter) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if f.Matches(c) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) IncrementCampaignMetrics(_ context.Context, id string, d domain.MetricsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	c.Metrics = c.Metrics.Add(d)
	s.campaigns[id] = c
	return nil
}

func (s *memoryStore) CreateMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("message %s: %w", m.ID, domain.ErrConflict)
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *memoryStore) UpdateMessage(_ context.Context, m domain.Message, prev domain.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[m.ID]
	if !ok {
		return fmt.Errorf("message %s: %w", m.ID, domain.ErrNotFound)
	}
	if cur.Status != prev {
		return fmt.Errorf("message %s is %s, expected %s: %w", m.ID, cur.Status, prev, domain.ErrConflict)
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *memoryStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (s *memoryStore) FindMessageByWaID(_ context.Context, waID string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if waID != "" && m.WaID == waID {
			return cloneMessage(m), nil
		}
	}
	return domain.Message{}, fmt.Errorf("message with gateway id %s: %w", waID, domain.ErrNotFound)
}

func (s *memoryStore) FindMessagesAwaitingStatus(_ context.Context, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.Status == domain.MessageSent && m.WaID != "" {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneCustomer(c domain.Customer) domain.Customer {
	c.Tags = append([]string(nil), c.Tags...)
	if c.Attributes != nil {
		attrs := make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		c.Attributes = attrs
	}
	return c
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	c.Media = append([]string(nil), c.Media...)
	c.Targeting.IncludeTags = append([]string(nil), c.Targeting.IncludeTags...)
	c.Targeting.ExcludeTags = append([]string(nil), c.Targeting.ExcludeTags...)
	return c
}

func cloneMessage(m domain.Message) domain.Message {
	m.Media = append([]string(nil), m.Media...)
	return m
}
