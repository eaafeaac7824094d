package models

import "time"

type AbuseLog struct {
	LogID       string    `json:"log_id"`
	UserID      string    `json:"user_id"`
	TokenID     string    `json:"token_id,omitempty"`
	ServiceID   string    `json:"service_id,omitempty"`
	EventType   string    `json:"event_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	AbuseEventNoShow = "NO_SHOW"

	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)
