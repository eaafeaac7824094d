package store

import (
	"testing"
	"time"

	"qms/queue-engine/internal/models"
)

func TestTokenEventChainRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	called := created.Add(5 * time.Minute)
	token := models.Token{
		TokenID:     "token-1",
		TokenNumber: "CS-001",
		ServiceID:   "svc-1",
		UserID:      "user-1",
		Status:      models.StatusActive,
		CreatedAt:   created,
	}

	first, err := NextTokenEvent(nil, EventTokenCreated, token, created)
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	token.Status = models.StatusCalled
	token.CalledAt = &called
	second, err := NextTokenEvent(&first, EventTokenCalled, token, called)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}

	if second.TokenSeq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("second event not chained: seq=%d prev=%s", second.TokenSeq, second.PrevHash)
	}
	events := []TokenEvent{first, second}
	if err := VerifyTokenEvents(events); err != nil {
		t.Fatalf("verify: %v", err)
	}

	rebuilt, err := RehydrateToken(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rebuilt.Status != models.StatusCalled || rebuilt.CalledAt == nil || !rebuilt.CalledAt.Equal(called) {
		t.Fatalf("unexpected rehydrated token: %+v", rebuilt)
	}
	if rebuilt.TokenNumber != "CS-001" || !rebuilt.CreatedAt.Equal(created) {
		t.Fatalf("unexpected identity fields: %+v", rebuilt)
	}
}

func TestVerifyTokenEventsDetectsTampering(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	token := models.Token{TokenID: "token-1", Status: models.StatusActive, CreatedAt: at}
	first, err := NextTokenEvent(nil, EventTokenCreated, token, at)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	first.Type = EventTokenCancelled
	if err := VerifyTokenEvents([]TokenEvent{first}); err == nil {
		t.Fatalf("expected tampered chain to fail verification")
	}
}
