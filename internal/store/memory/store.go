package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Store keeps every record in process memory. Each service has its own mutex for
// WithServiceLock, so queues of different services never contend.
type Store struct {
	mu        sync.RWMutex
	services  map[string]models.Service
	tokens    map[string]models.Token
	sequences map[string]int64
	presence  map[string][]models.PresenceCheck
	abuse     []models.AbuseLog
	jobs      map[string]models.TimeoutJob
	events    map[string][]store.TokenEvent

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		services:  make(map[string]models.Service),
		tokens:    make(map[string]models.Token),
		sequences: make(map[string]int64),
		presence:  make(map[string][]models.PresenceCheck),
		abuse:     make([]models.AbuseLog, 0, 64),
		jobs:      make(map[string]models.TimeoutJob),
		events:    make(map[string][]store.TokenEvent),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) UpsertService(_ context.Context, service models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
	return nil
}

func (s *Store) GetService(_ context.Context, serviceID string) (models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, nil
}

func (s *Store) ListServices(_ context.Context) ([]models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	services := make([]models.Service, 0, len(s.services))
	for _, service := range s.services {
		services = append(services, service)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) GetToken(_ context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (s *Store) FindOpenToken(_ context.Context, serviceID, userID string) (models.Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.findOpenLocked(serviceID, userID)
	return token, ok, nil
}

func (s *Store) findOpenLocked(serviceID, userID string) (models.Token, bool) {
	for _, token := range s.tokens {
		if token.ServiceID == serviceID && token.UserID == userID && !models.IsTerminal(token.Status) {
			return token, true
		}
	}
	return models.Token{}, false
}

func (s *Store) ListActiveTokens(_ context.Context, serviceID string) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(serviceID, nil), nil
}

func (s *Store) activeLocked(serviceID string, overlay map[string]models.Token) []models.Token {
	var out []models.Token
	for id, token := range s.tokens {
		if staged, ok := overlay[id]; ok {
			token = staged
		}
		if token.ServiceID == serviceID && token.Status == models.StatusActive {
			out = append(out, token)
		}
	}
	for id, token := range overlay {
		if _, exists := s.tokens[id]; exists {
			continue
		}
		if token.ServiceID == serviceID && token.Status == models.StatusActive {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Store) CountTokensSince(_ context.Context, serviceID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countSinceLocked(serviceID, since, nil), nil
}

func (s *Store) countSinceLocked(serviceID string, since time.Time, inserted map[string]models.Token) int {
	count := 0
	for _, token := range s.tokens {
		if token.ServiceID == serviceID && !token.CreatedAt.Before(since) {
			count++
		}
	}
	for _, token := range inserted {
		if token.ServiceID == serviceID && !token.CreatedAt.Before(since) {
			count++
		}
	}
	return count
}

func (s *Store) ListTokenEvents(_ context.Context, tokenID string) ([]store.TokenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[tokenID]
	out := make([]store.TokenEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) AppendPresenceCheck(_ context.Context, check models.PresenceCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[check.TokenID]; !ok {
		return store.ErrTokenNotFound
	}
	s.presence[check.TokenID] = append(s.presence[check.TokenID], check)
	return nil
}

func (s *Store) ListPresenceChecks(_ context.Context, tokenID string) ([]models.PresenceCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checks := s.presence[tokenID]
	out := make([]models.PresenceCheck, len(checks))
	copy(out, checks)
	return out, nil
}

func (s *Store) ListAbuseLogs(_ context.Context, userID string) ([]models.AbuseLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AbuseLog
	for _, entry := range s.abuse {
		if userID == "" || entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) ClaimDueTimeouts(_ context.Context, now time.Time, lease time.Duration, limit int) ([]models.TimeoutJob, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.TimeoutJob
	for _, job := range s.jobs {
		if !job.DueAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, job := range due {
		leased := job
		leased.DueAt = now.Add(lease)
		s.jobs[job.TokenID] = leased
	}
	return due, nil
}

// PendingTimeout exposes the scheduled job for a token. Used by tests and diagnostics.
func (s *Store) PendingTimeout(tokenID string) (models.TimeoutJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[tokenID]
	return job, ok
}

func (s *Store) serviceLock(serviceID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[serviceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[serviceID] = lock
	}
	return lock
}

func (s *Store) WithServiceLock(ctx context.Context, serviceID string, fn func(tx store.QueueTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.serviceLock(serviceID)
	lock.Lock()
	defer lock.Unlock()

	tx := newQueueTx(s, serviceID)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}
