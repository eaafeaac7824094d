package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

var ErrBrokenChain = errors.New("token event chain broken")

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

const (
	EventTokenCreated   = "token.created"
	EventTokenCalled    = "token.called"
	EventTokenInService = "token.in_service"
	EventTokenCompleted = "token.completed"
	EventTokenCancelled = "token.cancelled"
	EventTokenNoShow    = "token.no_show"
	EventTokenExpired   = "token.expired"
)

type eventPayload struct {
	TokenID            string     `json:"token_id"`
	TokenNumber        string     `json:"token_number"`
	Status             string     `json:"status"`
	ServiceID          string     `json:"service_id"`
	UserID             string     `json:"user_id"`
	CreatedAt          *time.Time `json:"created_at"`
	CalledAt           *time.Time `json:"called_at"`
	ServiceStartedAt   *time.Time `json:"service_started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	ExpiredAt          *time.Time `json:"expired_at"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTokenEvent builds the event that follows prev (nil for the first event).
func NextTokenEvent(prev *TokenEvent, eventType string, token models.Token, at time.Time) (TokenEvent, error) {
	createdAt := token.CreatedAt
	payload, err := json.Marshal(eventPayload{
		TokenID:            token.TokenID,
		TokenNumber:        token.TokenNumber,
		Status:             token.Status,
		ServiceID:          token.ServiceID,
		UserID:             token.UserID,
		CreatedAt:          &createdAt,
		CalledAt:           token.CalledAt,
		ServiceStartedAt:   token.ServiceStartedAt,
		CompletedAt:        token.CompletedAt,
		CancelledAt:        token.CancelledAt,
		ExpiredAt:          token.ExpiredAt,
		CancellationReason: token.CancellationReason,
	})
	if err != nil {
		return TokenEvent{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TokenSeq + 1
		prevHash = prev.Hash
	}
	// Postgres keeps microseconds; hash the value that will be read back.
	at = at.UTC().Truncate(time.Microsecond)
	return TokenEvent{
		TokenID:   token.TokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: at,
		PrevHash:  prevHash,
		Hash:      ComputeTokenEventHash(prevHash, token.TokenID, eventType, payload, at, seq),
	}, nil
}

// VerifyTokenEvents checks sequence numbering and the hash chain.
func VerifyTokenEvents(events []TokenEvent) error {
	prev := ""
	for i, event := range events {
		if event.TokenSeq != i+1 {
			return fmt.Errorf("%w: seq %d at index %d", ErrBrokenChain, event.TokenSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TokenSeq)
		}
		want := ComputeTokenEventHash(event.PrevHash, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TokenSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.TokenNumber != "" {
			token.TokenNumber = payload.TokenNumber
		}
		if payload.ServiceID != "" {
			token.ServiceID = payload.ServiceID
		}
		if payload.UserID != "" {
			token.UserID = payload.UserID
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			token.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.ServiceStartedAt != nil {
			token.ServiceStartedAt = payload.ServiceStartedAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		if payload.CancelledAt != nil {
			token.CancelledAt = payload.CancelledAt
		}
		if payload.ExpiredAt != nil {
			token.ExpiredAt = payload.ExpiredAt
		}
		if payload.CancellationReason != "" {
			token.CancellationReason = payload.CancellationReason
		}
	}
	return token, nil
}
