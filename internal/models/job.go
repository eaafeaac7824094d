package models

import "time"

// TimeoutJob is the durable call-timeout for a CALLED token. At most one exists per token.
type TimeoutJob struct {
	TokenID   string    `json:"token_id"`
	ServiceID string    `json:"service_id"`
	DueAt     time.Time `json:"due_at"`
}
