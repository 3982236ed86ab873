package billing

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]*Subscription
	events  map[string]struct{}
	history []HistoryEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:   make(map[uuid.UUID]*Subscription),
		events: make(map[string]struct{}),
	}
}

func (s *MemoryStore) SubscriptionByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) SubscriptionByOrganization(_ context.Context, orgID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.OrganizationID == orgID {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) SubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if providerSubscriptionID == "" {
		return nil, ErrSubscriptionNotFound
	}
	for _, sub := range s.subs {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			return sub.Clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription, event *HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event != nil && event.ProviderEventID != "" {
		if _, seen := s.events[event.ProviderEventID]; seen {
			return ErrEventAlreadyProcessed
		}
	}
	for _, existing := range s.subs {
		if existing.OrganizationID == sub.OrganizationID {
			return ErrSubscriptionExists
		}
	}

	sub.Version = 1
	s.subs[sub.ID] = sub.Clone()
	s.appendEvent(event)
	return nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, sub *Subscription, event *HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event != nil && event.ProviderEventID != "" {
		if _, seen := s.events[event.ProviderEventID]; seen {
			return ErrEventAlreadyProcessed
		}
	}
	stored, ok := s.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return ErrVersionConflict
	}

	sub.Version++
	s.subs[sub.ID] = sub.Clone()
	s.appendEvent(event)
	return nil
}

func (s *MemoryStore) EventProcessed(_ context.Context, providerEventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, seen := s.events[providerEventID]
	return seen, nil
}

func (s *MemoryStore) History(_ context.Context, orgID uuid.UUID, limit, offset int) ([]HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []HistoryEvent
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].OrganizationID == orgID {
			out = append(out, *s.history[i].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// appendEvent records the ledger entry; empty provider event ids are not
// tracked for idempotency, mirroring the partial unique index in Postgres.
func (s *MemoryStore) appendEvent(event *HistoryEvent) {
	if event == nil {
		return
	}
	if event.ProviderEventID != "" {
		s.events[event.ProviderEventID] = struct{}{}
	}
	s.history = append(s.history, *event.Clone())
}
