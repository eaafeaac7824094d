package models

import "time"

type Token struct {
	TokenID              string     `json:"token_id"`
	TokenNumber          string     `json:"token_number"`
	Sequence             int64      `json:"sequence"`
	ServiceID            string     `json:"service_id"`
	UserID               string     `json:"user_id"`
	Status               string     `json:"status"`
	QueuePosition        int        `json:"queue_position"`
	EstimatedWaitSeconds int        `json:"estimated_wait_seconds"`
	CreatedAt            time.Time  `json:"created_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	ServiceStartedAt     *time.Time `json:"service_started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt            *time.Time `json:"expired_at,omitempty"`
	CancellationReason   string     `json:"cancellation_reason,omitempty"`
	CancelledBy          string     `json:"cancelled_by,omitempty"`
	Version              int64      `json:"version"`
}

const (
	StatusActive    = "ACTIVE"
	StatusCalled    = "CALLED"
	StatusInService = "IN_SERVICE"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
	StatusNoShow    = "NO_SHOW"
	StatusExpired   = "EXPIRED"
)

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusExpired:
		return true
	default:
		return false
	}
}

// Position is the read model returned to queue members.
type Position struct {
	TokenID              string `json:"token_id"`
	Status               string `json:"status"`
	QueuePosition        int    `json:"queue_position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

// Before orders tokens the way the queue serves them: createdAt, then sequence.
func (t Token) Before(other Token) bool {
	if t.CreatedAt.Equal(other.CreatedAt) {
		return t.Sequence < other.Sequence
	}
	return t.CreatedAt.Before(other.CreatedAt)
}
