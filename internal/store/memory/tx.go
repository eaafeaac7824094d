package memory

import (
	"context"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type jobOp struct {
	job    models.TimeoutJob
	cancel bool
}

// queueTx stages writes and applies them in commit.
type queueTx struct {
	s         *Store
	serviceID string

	staged   map[string]models.Token
	inserted map[string]models.Token
	expected map[string]int64
	sequence int64
	jobOps   []jobOp
	abuse    []models.AbuseLog
	events   map[string][]store.TokenEvent
}

func newQueueTx(s *Store, serviceID string) *queueTx {
	return &queueTx{
		s:         s,
		serviceID: serviceID,
		staged:    make(map[string]models.Token),
		inserted:  make(map[string]models.Token),
		expected:  make(map[string]int64),
		events:    make(map[string][]store.TokenEvent),
	}
}

func (tx *queueTx) ServiceID() string { return tx.serviceID }

func (tx *queueTx) overlay() map[string]models.Token {
	merged := make(map[string]models.Token, len(tx.staged)+len(tx.inserted))
	for id, token := range tx.inserted {
		merged[id] = token
	}
	for id, token := range tx.staged {
		merged[id] = token
	}
	return merged
}

func (tx *queueTx) lookup(tokenID string) (models.Token, bool) {
	if token, ok := tx.staged[tokenID]; ok {
		return token, true
	}
	if token, ok := tx.inserted[tokenID]; ok {
		return token, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	token, ok := tx.s.tokens[tokenID]
	return token, ok
}

func (tx *queueTx) GetToken(_ context.Context, tokenID string) (models.Token, error) {
	token, ok := tx.lookup(tokenID)
	if !ok || token.ServiceID != tx.serviceID {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (tx *queueTx) FindOpenToken(_ context.Context, userID string) (models.Token, bool, error) {
	for _, token := range tx.overlay() {
		if token.ServiceID == tx.serviceID && token.UserID == userID && !models.IsTerminal(token.Status) {
			return token, true, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	token, ok := tx.s.findOpenLocked(tx.serviceID, userID)
	if ok {
		if staged, isStaged := tx.staged[token.TokenID]; isStaged && models.IsTerminal(staged.Status) {
			return models.Token{}, false, nil
		}
	}
	return token, ok, nil
}

func (tx *queueTx) ListActiveTokens(_ context.Context) ([]models.Token, error) {
	overlay := tx.overlay()
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.activeLocked(tx.serviceID, overlay), nil
}

func (tx *queueTx) ListStaleTokens(_ context.Context, cutoff time.Time) ([]models.Token, error) {
	overlay := tx.overlay()
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []models.Token
	consider := func(token models.Token) {
		if seen[token.TokenID] || token.ServiceID != tx.serviceID {
			return
		}
		seen[token.TokenID] = true
		if !models.IsTerminal(token.Status) && token.CreatedAt.Before(cutoff) {
			out = append(out, token)
		}
	}
	for _, token := range overlay {
		consider(token)
	}
	for _, token := range tx.s.tokens {
		consider(token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (tx *queueTx) CountTokensSince(_ context.Context, since time.Time) (int, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.countSinceLocked(tx.serviceID, since, tx.inserted), nil
}

func (tx *queueTx) NextSequence(_ context.Context) (int64, error) {
	if tx.sequence == 0 {
		tx.s.mu.RLock()
		tx.sequence = tx.s.sequences[tx.serviceID]
		tx.s.mu.RUnlock()
	}
	tx.sequence++
	return tx.sequence, nil
}

func (tx *queueTx) InsertToken(_ context.Context, token models.Token) (models.Token, error) {
	if token.ServiceID != tx.serviceID {
		return models.Token{}, store.ErrValidation
	}
	if _, exists := tx.lookup(token.TokenID); exists {
		return models.Token{}, store.ErrConcurrencyConflict
	}
	token.Version = 1
	tx.inserted[token.TokenID] = token
	return token, nil
}

func (tx *queueTx) UpdateToken(_ context.Context, token models.Token) (models.Token, error) {
	current, ok := tx.lookup(token.TokenID)
	if !ok || current.ServiceID != tx.serviceID {
		return models.Token{}, store.ErrTokenNotFound
	}
	if current.Version != token.Version {
		return models.Token{}, store.ErrConcurrencyConflict
	}
	token.Version++
	if _, isInsert := tx.inserted[token.TokenID]; isInsert {
		tx.inserted[token.TokenID] = token
		return token, nil
	}
	if _, tracked := tx.expected[token.TokenID]; !tracked {
		tx.expected[token.TokenID] = current.Version
	}
	tx.staged[token.TokenID] = token
	return token, nil
}

func (tx *queueTx) ClaimNextActive(ctx context.Context, calledAt time.Time) (models.Token, error) {
	active, err := tx.ListActiveTokens(ctx)
	if err != nil {
		return models.Token{}, err
	}
	if len(active) == 0 {
		return models.Token{}, store.ErrNoTokensWaiting
	}
	next := active[0]
	at := calledAt
	if at.Before(next.CreatedAt) {
		at = next.CreatedAt
	}
	next.Status = models.StatusCalled
	next.CalledAt = &at
	next.QueuePosition = 0
	return tx.UpdateToken(ctx, next)
}

func (tx *queueTx) HasCompliantPresenceSince(_ context.Context, tokenID string, since time.Time) (bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, check := range tx.s.presence[tokenID] {
		if check.IsCompliant && !check.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *queueTx) ScheduleTimeout(_ context.Context, job models.TimeoutJob) error {
	tx.jobOps = append(tx.jobOps, jobOp{job: job})
	return nil
}

func (tx *queueTx) CancelTimeout(_ context.Context, tokenID string) error {
	tx.jobOps = append(tx.jobOps, jobOp{job: models.TimeoutJob{TokenID: tokenID}, cancel: true})
	return nil
}

func (tx *queueTx) AppendAbuseLog(_ context.Context, entry models.AbuseLog) error {
	tx.abuse = append(tx.abuse, entry)
	return nil
}

func (tx *queueTx) CountAbuseLogs(_ context.Context, userID, eventType string, since time.Time) (int, error) {
	count := 0
	match := func(entry models.AbuseLog) bool {
		return entry.UserID == userID && entry.EventType == eventType && !entry.CreatedAt.Before(since)
	}
	for _, entry := range tx.abuse {
		if match(entry) {
			count++
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, entry := range tx.s.abuse {
		if match(entry) {
			count++
		}
	}
	return count, nil
}

func (tx *queueTx) AppendTokenEvent(_ context.Context, eventType string, token models.Token, at time.Time) error {
	var prev *store.TokenEvent
	if staged := tx.events[token.TokenID]; len(staged) > 0 {
		prev = &staged[len(staged)-1]
	} else {
		tx.s.mu.RLock()
		committed := tx.s.events[token.TokenID]
		if len(committed) > 0 {
			last := committed[len(committed)-1]
			prev = &last
		}
		tx.s.mu.RUnlock()
	}
	event, err := store.NextTokenEvent(prev, eventType, token, at)
	if err != nil {
		return err
	}
	tx.events[token.TokenID] = append(tx.events[token.TokenID], event)
	return nil
}

func (tx *queueTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, version := range tx.expected {
		if s.tokens[id].Version != version {
			return store.ErrConcurrencyConflict
		}
	}
	for id := range tx.inserted {
		if _, exists := s.tokens[id]; exists {
			return store.ErrConcurrencyConflict
		}
	}

	for id, token := range tx.inserted {
		s.tokens[id] = token
	}
	for id, token := range tx.staged {
		s.tokens[id] = token
	}
	if tx.sequence > s.sequences[tx.serviceID] {
		s.sequences[tx.serviceID] = tx.sequence
	}
	for _, op := range tx.jobOps {
		if op.cancel {
			delete(s.jobs, op.job.TokenID)
			continue
		}
		s.jobs[op.job.TokenID] = op.job
	}
	s.abuse = append(s.abuse, tx.abuse...)
	for id, events := range tx.events {
		s.events[id] = append(s.events[id], events...)
	}
	return nil
}
