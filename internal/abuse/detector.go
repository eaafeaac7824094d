package abuse

import (
	"context"
	"fmt"
	"log"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

// Policy maps the number of earlier no-shows inside Window to a severity.
type Policy struct {
	Window      time.Duration `yaml:"window"`
	MediumAfter int           `yaml:"medium_after"`
	HighAfter   int           `yaml:"high_after"`
}

func DefaultPolicy() Policy {
	return Policy{
		Window:      30 * 24 * time.Hour,
		MediumAfter: 1,
		HighAfter:   3,
	}
}

// Severity classifies a no-show given how many the user already had in the window.
func (p Policy) Severity(prior int) string {
	switch {
	case p.HighAfter > 0 && prior >= p.HighAfter:
		return models.SeverityHigh
	case p.MediumAfter > 0 && prior >= p.MediumAfter:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Window <= 0 {
		p.Window = def.Window
	}
	if p.MediumAfter <= 0 {
		p.MediumAfter = def.MediumAfter
	}
	if p.HighAfter <= 0 {
		p.HighAfter = def.HighAfter
	}
	if p.HighAfter < p.MediumAfter {
		p.HighAfter = p.MediumAfter
	}
	return p
}

// Detector appends one AbuseLog per NO_SHOW transition. It runs inside the
// transition's unit of work, so the log and the status change commit together.
type Detector struct {
	policy Policy
	logs   store.AbuseStore
}

func NewDetector(logs store.AbuseStore, policy Policy) *Detector {
	return &Detector{policy: policy.normalized(), logs: logs}
}

func (d *Detector) Policy() Policy {
	return d.policy
}

func (d *Detector) OnTransition(ctx context.Context, tx store.QueueTx, tr queue.Transition) error {
	if tr.Token.Status != models.StatusNoShow {
		return nil
	}
	token := tr.Token
	occurred := token.CreatedAt
	if token.CalledAt != nil {
		occurred = *token.CalledAt
	}

	prior, err := tx.CountAbuseLogs(ctx, token.UserID, models.AbuseEventNoShow, tr.At.Add(-d.policy.Window))
	if err != nil {
		return fmt.Errorf("count abuse logs: %w", err)
	}
	entry := models.AbuseLog{
		LogID:       uuid.NewString(),
		UserID:      token.UserID,
		TokenID:     token.TokenID,
		ServiceID:   token.ServiceID,
		EventType:   models.AbuseEventNoShow,
		Severity:    d.policy.Severity(prior),
		Description: fmt.Sprintf("token %s called at %s was not attended", token.TokenNumber, occurred.Format(time.RFC3339)),
		CreatedAt:   occurred,
	}
	if err := tx.AppendAbuseLog(ctx, entry); err != nil {
		return fmt.Errorf("append abuse log: %w", err)
	}
	log.Printf("abuse logged user=%s token=%s severity=%s prior=%d", entry.UserID, entry.TokenID, entry.Severity, prior)
	return nil
}

// Logs returns the abuse history of userID, or of everyone when userID is empty.
func (d *Detector) Logs(ctx context.Context, userID string) ([]models.AbuseLog, error) {
	return d.logs.ListAbuseLogs(ctx, userID)
}
