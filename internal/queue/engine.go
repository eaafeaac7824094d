package queue

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tokenNumberPad            = 3
	defaultCallTimeout        = 2 * time.Minute
	defaultCancellationReason = "cancelled"
)

var (
	tokensCreated   = expvar.NewInt("queue_tokens_created_total")
	tokensCalled    = expvar.NewInt("queue_tokens_called_total")
	tokensNoShow    = expvar.NewInt("queue_tokens_no_show_total")
	tokensExpired   = expvar.NewInt("queue_tokens_expired_total")
	callNextRetries = expvar.NewInt("queue_call_next_retries_total")
)

// Publisher receives state changes after they are committed. Delivery is best
// effort; implementations must not block the caller for long.
type Publisher interface {
	TokenUpdated(ctx context.Context, token models.Token)
	QueueUpdated(ctx context.Context, serviceID string)
	YourTurn(ctx context.Context, token models.Token)
	TokenCancelled(ctx context.Context, token models.Token, reason string)
}

// Transition describes one committed status change.
type Transition struct {
	Action string
	From   string
	Token  models.Token
	At     time.Time
}

// TransitionHook runs inside the same unit of work as the transition. Returning an
// error aborts the transition.
type TransitionHook interface {
	OnTransition(ctx context.Context, tx store.QueueTx, tr Transition) error
}

type Options struct {
	DefaultCallTimeout time.Duration
	// Location decides where "today" starts for the daily token cap.
	Location  *time.Location
	Now       func() time.Time
	Publisher Publisher
	Hooks     []TransitionHook
}

type Engine struct {
	store          store.Store
	publisher      Publisher
	hooks          []TransitionHook
	now            func() time.Time
	location       *time.Location
	defaultTimeout time.Duration
	tracer         trace.Tracer
}

func NewEngine(st store.Store, options Options) *Engine {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	timeout := options.DefaultCallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	publisher := options.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Engine{
		store:          st,
		publisher:      publisher,
		hooks:          options.Hooks,
		now:            now,
		location:       location,
		defaultTimeout: timeout,
		tracer:         otel.Tracer("qms/queue-engine/queue"),
	}
}

// CreateToken issues a token for userID in serviceID. When the user already holds a
// non-terminal token for the service that token is returned with created=false, even
// if the service has since been closed or reached its daily cap.
func (e *Engine) CreateToken(ctx context.Context, serviceID, userID string) (models.Token, bool, error) {
	serviceID = strings.TrimSpace(serviceID)
	userID = strings.TrimSpace(userID)
	if serviceID == "" || userID == "" {
		return models.Token{}, false, fmt.Errorf("%w: service_id and user_id are required", store.ErrValidation)
	}

	ctx, span := e.startSpan(ctx, "queue.CreateToken", attribute.String("service.id", serviceID))
	defer span.End()

	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return models.Token{}, false, e.fail(span, err)
	}

	now := e.now()
	var token models.Token
	created := false
	notes := newNotices()
	err = e.store.WithServiceLock(ctx, serviceID, func(tx store.QueueTx) error {
		existing, found, err := tx.FindOpenToken(ctx, userID)
		if err != nil {
			return err
		}
		if found {
			token = existing
			return nil
		}
		if !svc.IsActive {
			return store.ErrServiceInactive
		}

		if svc.MaxDailyTokens > 0 {
			issued, err := tx.CountTokensSince(ctx, e.startOfDay(now))
			if err != nil {
				return err
			}
			if issued >= svc.MaxDailyTokens {
				return store.ErrDailyCapExceeded
			}
		}

		active, err := tx.ListActiveTokens(ctx)
		if err != nil {
			return err
		}
		seq, err := tx.NextSequence(ctx)
		if err != nil {
			return err
		}
		position := len(active) + 1
		token, err = tx.InsertToken(ctx, models.Token{
			TokenID:              uuid.NewString(),
			TokenNumber:          formatTokenNumber(svc, seq),
			Sequence:             seq,
			ServiceID:            serviceID,
			UserID:               userID,
			Status:               models.StatusActive,
			QueuePosition:        position,
			EstimatedWaitSeconds: EstimateWait(position, svc),
			CreatedAt:            now,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendTokenEvent(ctx, store.EventTokenCreated, token, now); err != nil {
			return err
		}
		moved, err := e.reposition(ctx, tx, svc)
		if err != nil {
			return err
		}
		for _, m := range moved {
			if m.TokenID == token.TokenID {
				token = m
			}
		}
		created = true
		notes.updated(token)
		notes.updatedAll(moved)
		notes.queue(serviceID)
		return nil
	})
	if err != nil {
		return models.Token{}, false, e.fail(span, err)
	}
	if created {
		tokensCreated.Add(1)
		e.publish(ctx, notes)
	}
	span.SetAttributes(attribute.String("token.id", token.TokenID), attribute.Bool("token.created", created))
	return token, created, nil
}

// CallNext moves the earliest ACTIVE token of serviceID to CALLED. A concurrency
// conflict is retried once against the current snapshot.
func (e *Engine) CallNext(ctx context.Context, serviceID string) (models.Token, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return models.Token{}, fmt.Errorf("%w: service_id is required", store.ErrValidation)
	}
	ctx, span := e.startSpan(ctx, "queue.CallNext", attribute.String("service.id", serviceID))
	defer span.End()

	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return models.Token{}, e.fail(span, err)
	}

	token, err := e.callNextOnce(ctx, svc)
	if errors.Is(err, store.ErrConcurrencyConflict) {
		callNextRetries.Add(1)
		log.Printf("call next conflict service=%s, retrying", serviceID)
		token, err = e.callNextOnce(ctx, svc)
	}
	if err != nil {
		return models.Token{}, e.fail(span, err)
	}
	tokensCalled.Add(1)
	span.SetAttributes(attribute.String("token.id", token.TokenID))
	return token, nil
}

func (e *Engine) callNextOnce(ctx context.Context, svc models.Service) (models.Token, error) {
	now := e.now()
	var called models.Token
	notes := newNotices()
	err := e.store.WithServiceLock(ctx, svc.ServiceID, func(tx store.QueueTx) error {
		claimed, err := tx.ClaimNextActive(ctx, now)
		if err != nil {
			return err
		}
		calledAt := notBefore(now, claimed.CalledAt)
		if err := tx.ScheduleTimeout(ctx, models.TimeoutJob{
			TokenID:   claimed.TokenID,
			ServiceID: svc.ServiceID,
			DueAt:     calledAt.Add(e.callTimeout(svc)),
		}); err != nil {
			return err
		}
		if err := tx.AppendTokenEvent(ctx, store.EventTokenCalled, claimed, calledAt); err != nil {
			return err
		}
		if err := e.runHooks(ctx, tx, Transition{Action: store.ActionCallNext, From: models.StatusActive, Token: claimed, At: calledAt}); err != nil {
			return err
		}
		moved, err := e.reposition(ctx, tx, svc)
		if err != nil {
			return err
		}
		called = claimed
		notes.yourTurn(claimed)
		notes.updated(claimed)
		notes.updatedAll(moved)
		notes.queue(svc.ServiceID)
		return nil
	})
	if err != nil {
		return models.Token{}, err
	}
	e.publish(ctx, notes)
	return called, nil
}

// BeginService moves a CALLED token to IN_SERVICE.
func (e *Engine) BeginService(ctx context.Context, tokenID string) (models.Token, error) {
	return e.mutate(ctx, "queue.BeginService", tokenID, store.ActionBeginService, func(ctx context.Context, tx store.QueueTx, svc models.Service, token *models.Token, now time.Time) error {
		if svc.RequirePresence {
			ok, err := tx.HasCompliantPresenceSince(ctx, token.TokenID, *token.CalledAt)
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrPresenceRequired
			}
		}
		started := notBefore(now, token.CalledAt)
		token.ServiceStartedAt = &started
		return nil
	})
}

// CompleteService moves an IN_SERVICE token to COMPLETED.
func (e *Engine) CompleteService(ctx context.Context, tokenID string) (models.Token, error) {
	return e.mutate(ctx, "queue.CompleteService", tokenID, store.ActionComplete, func(_ context.Context, _ store.QueueTx, _ models.Service, token *models.Token, now time.Time) error {
		completed := notBefore(now, token.ServiceStartedAt)
		token.CompletedAt = &completed
		return nil
	})
}

// CancelToken withdraws an ACTIVE or CALLED token.
func (e *Engine) CancelToken(ctx context.Context, tokenID, reason, actor string) (models.Token, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancellationReason
	}
	return e.mutate(ctx, "queue.CancelToken", tokenID, store.ActionCancel, func(_ context.Context, _ store.QueueTx, _ models.Service, token *models.Token, now time.Time) error {
		cancelled := notBefore(now, lastStamp(*token))
		token.CancelledAt = &cancelled
		token.CancellationReason = reason
		token.CancelledBy = strings.TrimSpace(actor)
		return nil
	})
}

type applyFunc func(ctx context.Context, tx store.QueueTx, svc models.Service, token *models.Token, now time.Time) error

// mutate runs a single-token transition under the service section of that token.
func (e *Engine) mutate(ctx context.Context, spanName, tokenID, action string, apply applyFunc) (models.Token, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return models.Token{}, fmt.Errorf("%w: token_id is required", store.ErrValidation)
	}
	ctx, span := e.startSpan(ctx, spanName, attribute.String("token.id", tokenID))
	defer span.End()

	current, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, e.fail(span, err)
	}
	svc, err := e.store.GetService(ctx, current.ServiceID)
	if err != nil {
		return models.Token{}, e.fail(span, err)
	}
	target, _ := store.TargetStatus(action)

	now := e.now()
	var result models.Token
	notes := newNotices()
	err = e.store.WithServiceLock(ctx, svc.ServiceID, func(tx store.QueueTx) error {
		token, err := tx.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if err := checkTransition(action, token.Status); err != nil {
			return err
		}
		from := token.Status
		if err := apply(ctx, tx, svc, &token, now); err != nil {
			return err
		}
		token.Status = target
		token.QueuePosition = 0
		updated, err := tx.UpdateToken(ctx, token)
		if err != nil {
			return err
		}
		if from == models.StatusCalled {
			if err := tx.CancelTimeout(ctx, tokenID); err != nil {
				return err
			}
		}
		if err := tx.AppendTokenEvent(ctx, eventForStatus(target), updated, now); err != nil {
			return err
		}
		if err := e.runHooks(ctx, tx, Transition{Action: action, From: from, Token: updated, At: now}); err != nil {
			return err
		}
		if from == models.StatusActive {
			moved, err := e.reposition(ctx, tx, svc)
			if err != nil {
				return err
			}
			notes.updatedAll(moved)
		}
		if target == models.StatusCancelled {
			notes.cancelled(updated, updated.CancellationReason)
			notes.queue(svc.ServiceID)
		}
		notes.updated(updated)
		result = updated
		return nil
	})
	if err != nil {
		return models.Token{}, e.fail(span, err)
	}
	e.publish(ctx, notes)
	return result, nil
}

// ExpireStaleTokens moves every non-terminal token created before cutoff to EXPIRED.
func (e *Engine) ExpireStaleTokens(ctx context.Context, serviceID string, cutoff time.Time) (int, error) {
	ctx, span := e.startSpan(ctx, "queue.ExpireStaleTokens", attribute.String("service.id", serviceID))
	defer span.End()

	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return 0, e.fail(span, err)
	}
	now := e.now()
	expired := 0
	notes := newNotices()
	err = e.store.WithServiceLock(ctx, serviceID, func(tx store.QueueTx) error {
		stale, err := tx.ListStaleTokens(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, token := range stale {
			from := token.Status
			at := notBefore(now, lastStamp(token))
			token.Status = models.StatusExpired
			token.ExpiredAt = &at
			token.QueuePosition = 0
			updated, err := tx.UpdateToken(ctx, token)
			if err != nil {
				return err
			}
			if from == models.StatusCalled {
				if err := tx.CancelTimeout(ctx, token.TokenID); err != nil {
					return err
				}
			}
			if err := tx.AppendTokenEvent(ctx, store.EventTokenExpired, updated, at); err != nil {
				return err
			}
			if err := e.runHooks(ctx, tx, Transition{Action: store.ActionExpire, From: from, Token: updated, At: at}); err != nil {
				return err
			}
			notes.updated(updated)
		}
		if len(stale) == 0 {
			return nil
		}
		moved, err := e.reposition(ctx, tx, svc)
		if err != nil {
			return err
		}
		notes.updatedAll(moved)
		notes.queue(serviceID)
		expired = len(stale)
		return nil
	})
	if err != nil {
		return 0, e.fail(span, err)
	}
	tokensExpired.Add(int64(expired))
	e.publish(ctx, notes)
	span.SetAttributes(attribute.Int("tokens.expired", expired))
	return expired, nil
}

// ExpireAll runs ExpireStaleTokens for every registered service.
func (e *Engine) ExpireAll(ctx context.Context, cutoff time.Time) (int, error) {
	services, err := e.store.ListServices(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, svc := range services {
		count, err := e.ExpireStaleTokens(ctx, svc.ServiceID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire service %s: %w", svc.ServiceID, err))
			continue
		}
		total += count
	}
	return total, errors.Join(errs...)
}

// StartOfToday returns the beginning of the current day in the engine location.
func (e *Engine) StartOfToday() time.Time {
	return e.startOfDay(e.now())
}

// HandleCallTimeout applies the no-show policy to a fired call-timeout. Jobs for
// tokens that already left CALLED are dropped silently.
func (e *Engine) HandleCallTimeout(ctx context.Context, job models.TimeoutJob) error {
	ctx, span := e.startSpan(ctx, "queue.HandleCallTimeout", attribute.String("token.id", job.TokenID))
	defer span.End()

	svc, err := e.store.GetService(ctx, job.ServiceID)
	if err != nil {
		return e.fail(span, err)
	}
	now := e.now()
	notes := newNotices()
	noShow := false
	err = e.store.WithServiceLock(ctx, job.ServiceID, func(tx store.QueueTx) error {
		token, err := tx.GetToken(ctx, job.TokenID)
		if errors.Is(err, store.ErrTokenNotFound) {
			return tx.CancelTimeout(ctx, job.TokenID)
		}
		if err != nil {
			return err
		}
		if token.Status != models.StatusCalled || token.CalledAt == nil {
			return tx.CancelTimeout(ctx, job.TokenID)
		}
		if svc.EnforcePresenceAtCall {
			present, err := tx.HasCompliantPresenceSince(ctx, token.TokenID, *token.CalledAt)
			if err != nil {
				return err
			}
			if present {
				log.Printf("call timeout kept token=%s service=%s: holder present", token.TokenID, svc.ServiceID)
				return tx.CancelTimeout(ctx, job.TokenID)
			}
		}

		token.Status = models.StatusNoShow
		token.QueuePosition = 0
		updated, err := tx.UpdateToken(ctx, token)
		if err != nil {
			return err
		}
		if err := tx.CancelTimeout(ctx, job.TokenID); err != nil {
			return err
		}
		if err := tx.AppendTokenEvent(ctx, store.EventTokenNoShow, updated, now); err != nil {
			return err
		}
		if err := e.runHooks(ctx, tx, Transition{Action: store.ActionNoShow, From: models.StatusCalled, Token: updated, At: now}); err != nil {
			return err
		}
		notes.updated(updated)
		notes.queue(svc.ServiceID)
		noShow = true
		return nil
	})
	if err != nil {
		return e.fail(span, err)
	}
	if noShow {
		tokensNoShow.Add(1)
		e.publish(ctx, notes)
	}
	return nil
}

func (e *Engine) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return e.store.GetToken(ctx, tokenID)
}

// GetPosition returns the values stored at the last write; it never recomputes.
func (e *Engine) GetPosition(ctx context.Context, tokenID string) (models.Position, error) {
	token, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.Position{}, err
	}
	return models.Position{
		TokenID:              token.TokenID,
		Status:               token.Status,
		QueuePosition:        token.QueuePosition,
		EstimatedWaitSeconds: token.EstimatedWaitSeconds,
	}, nil
}

func (e *Engine) ListQueue(ctx context.Context, serviceID string) ([]models.Token, error) {
	if _, err := e.store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	return e.store.ListActiveTokens(ctx, serviceID)
}

func (e *Engine) ListServices(ctx context.Context) ([]models.Service, error) {
	return e.store.ListServices(ctx)
}

// TokenHistory returns the audit chain of a token after verifying it. The status
// replayed from the chain must match the stored token unless the token changed
// while the chain was being read.
func (e *Engine) TokenHistory(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	before, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListTokenEvents(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if err := store.VerifyTokenEvents(events); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return events, nil
	}
	after, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if after.Version != before.Version {
		return events, nil
	}
	rebuilt, err := store.RehydrateToken(events)
	if err != nil {
		return nil, err
	}
	if rebuilt.Status != after.Status {
		return nil, fmt.Errorf("%w: history ends in %s, token is %s", store.ErrBrokenChain, rebuilt.Status, after.Status)
	}
	return events, nil
}

func (e *Engine) reposition(ctx context.Context, tx store.QueueTx, svc models.Service) ([]models.Token, error) {
	active, err := tx.ListActiveTokens(ctx)
	if err != nil {
		return nil, err
	}
	changed := Recompute(active, svc)
	moved := make([]models.Token, 0, len(changed))
	for _, token := range changed {
		updated, err := tx.UpdateToken(ctx, token)
		if err != nil {
			return nil, err
		}
		moved = append(moved, updated)
	}
	return moved, nil
}

func (e *Engine) runHooks(ctx context.Context, tx store.QueueTx, tr Transition) error {
	for _, hook := range e.hooks {
		if err := hook.OnTransition(ctx, tx, tr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) callTimeout(svc models.Service) time.Duration {
	if svc.CallTimeoutSeconds > 0 {
		return time.Duration(svc.CallTimeoutSeconds) * time.Second
	}
	return e.defaultTimeout
}

func (e *Engine) startOfDay(t time.Time) time.Time {
	local := t.In(e.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.location)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) publish(ctx context.Context, n *notices) {
	for _, c := range n.cancels {
		e.publisher.TokenCancelled(ctx, c.token, c.reason)
	}
	for _, token := range n.turns {
		e.publisher.YourTurn(ctx, token)
	}
	for _, id := range n.order {
		e.publisher.TokenUpdated(ctx, n.tokens[id])
	}
	for _, serviceID := range n.services {
		e.publisher.QueueUpdated(ctx, serviceID)
	}
}

func checkTransition(action, status string) error {
	if store.ValidTransition(action, status) {
		return nil
	}
	if status == models.StatusExpired || status == models.StatusNoShow {
		return store.ErrTokenClosed
	}
	return fmt.Errorf("%w: %s not allowed from %s", store.ErrInvalidTransition, action, status)
}

func eventForStatus(status string) string {
	switch status {
	case models.StatusCalled:
		return store.EventTokenCalled
	case models.StatusInService:
		return store.EventTokenInService
	case models.StatusCompleted:
		return store.EventTokenCompleted
	case models.StatusCancelled:
		return store.EventTokenCancelled
	case models.StatusNoShow:
		return store.EventTokenNoShow
	default:
		return store.EventTokenExpired
	}
}

func formatTokenNumber(svc models.Service, seq int64) string {
	prefix := strings.TrimSpace(svc.Code)
	if prefix == "" {
		prefix = "Q"
	}
	return fmt.Sprintf("%s-%0*d", prefix, tokenNumberPad, seq)
}

func notBefore(now time.Time, floor *time.Time) time.Time {
	if floor != nil && now.Before(*floor) {
		return *floor
	}
	return now
}

// lastStamp is the latest lifecycle timestamp already set on token.
func lastStamp(token models.Token) *time.Time {
	latest := token.CreatedAt
	for _, ts := range []*time.Time{token.CalledAt, token.ServiceStartedAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return &latest
}

type nopPublisher struct{}

func (nopPublisher) TokenUpdated(context.Context, models.Token)           {}
func (nopPublisher) QueueUpdated(context.Context, string)                 {}
func (nopPublisher) YourTurn(context.Context, models.Token)               {}
func (nopPublisher) TokenCancelled(context.Context, models.Token, string) {}
