package store

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
)

// ServiceRegistry is the read side of service configuration.
type ServiceRegistry interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
}

// ServiceWriter seeds or updates service configuration.
type ServiceWriter interface {
	UpsertService(ctx context.Context, service models.Service) error
}

type TokenStore interface {
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	FindOpenToken(ctx context.Context, serviceID, userID string) (models.Token, bool, error)
	ListActiveTokens(ctx context.Context, serviceID string) ([]models.Token, error)
	CountTokensSince(ctx context.Context, serviceID string, since time.Time) (int, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
	// WithServiceLock runs fn inside the exclusive section of one service.
	// Writes made through tx become visible only if fn returns nil.
	WithServiceLock(ctx context.Context, serviceID string, fn func(tx QueueTx) error) error
}

type PresenceStore interface {
	AppendPresenceCheck(ctx context.Context, check models.PresenceCheck) error
	ListPresenceChecks(ctx context.Context, tokenID string) ([]models.PresenceCheck, error)
}

type AbuseStore interface {
	ListAbuseLogs(ctx context.Context, userID string) ([]models.AbuseLog, error)
}

type TimeoutStore interface {
	// ClaimDueTimeouts leases up to limit jobs due at or before now. A leased job
	// becomes due again at now+lease unless a transition deletes it first.
	ClaimDueTimeouts(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.TimeoutJob, error)
}

type Store interface {
	ServiceRegistry
	TokenStore
	PresenceStore
	AbuseStore
	TimeoutStore
}

// QueueTx is the unit of work for one service's queue. Every method is scoped to
// the service the section was opened for.
type QueueTx interface {
	ServiceID() string
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	FindOpenToken(ctx context.Context, userID string) (models.Token, bool, error)
	ListActiveTokens(ctx context.Context) ([]models.Token, error)
	ListStaleTokens(ctx context.Context, cutoff time.Time) ([]models.Token, error)
	CountTokensSince(ctx context.Context, since time.Time) (int, error)
	NextSequence(ctx context.Context) (int64, error)
	InsertToken(ctx context.Context, token models.Token) (models.Token, error)
	// UpdateToken writes token if its Version still matches the stored one and
	// returns it with the bumped version. A mismatch is ErrConcurrencyConflict.
	UpdateToken(ctx context.Context, token models.Token) (models.Token, error)
	// ClaimNextActive moves the earliest ACTIVE token to CALLED in one step. calledAt
	// is raised to the token createdAt when it is earlier.
	ClaimNextActive(ctx context.Context, calledAt time.Time) (models.Token, error)
	HasCompliantPresenceSince(ctx context.Context, tokenID string, since time.Time) (bool, error)
	ScheduleTimeout(ctx context.Context, job models.TimeoutJob) error
	CancelTimeout(ctx context.Context, tokenID string) error
	AppendAbuseLog(ctx context.Context, entry models.AbuseLog) error
	CountAbuseLogs(ctx context.Context, userID, eventType string, since time.Time) (int, error)
	AppendTokenEvent(ctx context.Context, eventType string, token models.Token, at time.Time) error
}
