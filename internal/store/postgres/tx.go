package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
)

const tokenColumns = `token_id, token_number, sequence, service_id, user_id, status, queue_position,
	estimated_wait_seconds, created_at, called_at, service_started_at, completed_at, cancelled_at,
	expired_at, cancellation_reason, cancelled_by, version`

const tokenColumnsT = `t.token_id, t.token_number, t.sequence, t.service_id, t.user_id, t.status, t.queue_position,
	t.estimated_wait_seconds, t.created_at, t.called_at, t.service_started_at, t.completed_at, t.cancelled_at,
	t.expired_at, t.cancellation_reason, t.cancelled_by, t.version`

var openStatuses = []string{models.StatusActive, models.StatusCalled, models.StatusInService}

// queueTx runs inside the transaction that holds the service_queue_state row lock.
type queueTx struct {
	tx        pgx.Tx
	serviceID string
}

func (q *queueTx) ServiceID() string { return q.serviceID }

func (q *queueTx) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return getToken(ctx, q.tx, tokenID, q.serviceID)
}

func (q *queueTx) FindOpenToken(ctx context.Context, userID string) (models.Token, bool, error) {
	return findOpenToken(ctx, q.tx, q.serviceID, userID)
}

func (q *queueTx) ListActiveTokens(ctx context.Context) ([]models.Token, error) {
	return listActiveTokens(ctx, q.tx, q.serviceID)
}

func (q *queueTx) ListStaleTokens(ctx context.Context, cutoff time.Time) ([]models.Token, error) {
	rows, err := q.tx.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE service_id = $1 AND status IN ('ACTIVE', 'CALLED', 'IN_SERVICE') AND created_at < $2
		ORDER BY created_at ASC, sequence ASC
		FOR UPDATE
	`, q.serviceID, cutoff)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (q *queueTx) CountTokensSince(ctx context.Context, since time.Time) (int, error) {
	return countTokensSince(ctx, q.tx, q.serviceID, since)
}

func (q *queueTx) NextSequence(ctx context.Context) (int64, error) {
	var next int64
	row := q.tx.QueryRow(ctx, `
		UPDATE service_queue_state
		SET last_sequence = last_sequence + 1
		WHERE service_id = $1
		RETURNING last_sequence
	`, q.serviceID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (q *queueTx) InsertToken(ctx context.Context, token models.Token) (models.Token, error) {
	if token.ServiceID != q.serviceID {
		return models.Token{}, store.ErrValidation
	}
	row := q.tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, token_number, sequence, service_id, user_id, status, queue_position,
			estimated_wait_seconds, created_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
		RETURNING `+tokenColumns,
		token.TokenID, token.TokenNumber, token.Sequence, token.ServiceID, token.UserID, token.Status, token.QueuePosition,
		token.EstimatedWaitSeconds, token.CreatedAt)
	inserted, err := scanToken(row)
	if err != nil {
		return models.Token{}, mapPgError(err)
	}
	return inserted, nil
}

func (q *queueTx) UpdateToken(ctx context.Context, token models.Token) (models.Token, error) {
	row := q.tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = $1,
			queue_position = $2,
			estimated_wait_seconds = $3,
			called_at = $4,
			service_started_at = $5,
			completed_at = $6,
			cancelled_at = $7,
			expired_at = $8,
			cancellation_reason = $9,
			cancelled_by = $10,
			version = version + 1
		WHERE token_id = $11 AND service_id = $12 AND version = $13
		RETURNING `+tokenColumns,
		token.Status, token.QueuePosition, token.EstimatedWaitSeconds, token.CalledAt, token.ServiceStartedAt,
		token.CompletedAt, token.CancelledAt, token.ExpiredAt, nullIfEmpty(token.CancellationReason), nullIfEmpty(token.CancelledBy),
		token.TokenID, q.serviceID, token.Version)
	updated, err := scanToken(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, mapPgError(err)
	}
	if _, getErr := q.GetToken(ctx, token.TokenID); getErr != nil {
		return models.Token{}, getErr
	}
	return models.Token{}, store.ErrConcurrencyConflict
}

func (q *queueTx) ClaimNextActive(ctx context.Context, calledAt time.Time) (models.Token, error) {
	row := q.tx.QueryRow(ctx, `
		WITH next_token AS (
			SELECT token_id
			FROM tokens
			WHERE service_id = $1 AND status = 'ACTIVE'
			ORDER BY created_at ASC, sequence ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens t
		SET status = 'CALLED',
			called_at = GREATEST($2, t.created_at),
			queue_position = 0,
			version = t.version + 1
		FROM next_token
		WHERE t.token_id = next_token.token_id
		RETURNING `+tokenColumnsT,
		q.serviceID, calledAt)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrNoTokensWaiting
		}
		return models.Token{}, mapPgError(err)
	}
	return token, nil
}

func (q *queueTx) HasCompliantPresenceSince(ctx context.Context, tokenID string, since time.Time) (bool, error) {
	var exists bool
	row := q.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM presence_checks
			WHERE token_id = $1 AND is_compliant AND created_at >= $2
		)
	`, tokenID, since)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (q *queueTx) ScheduleTimeout(ctx context.Context, job models.TimeoutJob) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO call_timeouts (token_id, service_id, due_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO UPDATE SET service_id = EXCLUDED.service_id, due_at = EXCLUDED.due_at
	`, job.TokenID, job.ServiceID, job.DueAt)
	return err
}

func (q *queueTx) CancelTimeout(ctx context.Context, tokenID string) error {
	_, err := q.tx.Exec(ctx, `DELETE FROM call_timeouts WHERE token_id = $1`, tokenID)
	return err
}

func (q *queueTx) AppendAbuseLog(ctx context.Context, entry models.AbuseLog) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO abuse_logs (log_id, user_id, token_id, service_id, event_type, severity, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.LogID, entry.UserID, nullIfEmpty(entry.TokenID), nullIfEmpty(entry.ServiceID), entry.EventType, entry.Severity, entry.Description, entry.CreatedAt)
	return err
}

func (q *queueTx) CountAbuseLogs(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	var count int
	row := q.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM abuse_logs
		WHERE user_id = $1 AND event_type = $2 AND created_at >= $3
	`, userID, eventType, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *queueTx) AppendTokenEvent(ctx context.Context, eventType string, token models.Token, at time.Time) error {
	var prev *store.TokenEvent
	var last store.TokenEvent
	row := q.tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
		FOR UPDATE
	`, token.TokenID)
	err := row.Scan(&last.TokenSeq, &last.Hash)
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event, err := store.NextTokenEvent(prev, eventType, token, at)
	if err != nil {
		return err
	}
	_, err = q.tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TokenID, event.TokenSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func getToken(ctx context.Context, db querier, tokenID, serviceID string) (models.Token, error) {
	row := db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1 AND ($2 = '' OR service_id = $2)
	`, tokenID, serviceID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func findOpenToken(ctx context.Context, db querier, serviceID, userID string) (models.Token, bool, error) {
	row := db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE service_id = $1 AND user_id = $2 AND status = ANY($3)
		LIMIT 1
	`, serviceID, userID, openStatuses)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func listActiveTokens(ctx context.Context, db querier, serviceID string) ([]models.Token, error) {
	rows, err := db.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE service_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at ASC, sequence ASC
	`, serviceID)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func countTokensSince(ctx context.Context, db querier, serviceID string, since time.Time) (int, error) {
	var count int
	row := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tokens WHERE service_id = $1 AND created_at >= $2
	`, serviceID, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func collectTokens(rows pgx.Rows) ([]models.Token, error) {
	defer rows.Close()
	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var calledAt, startedAt, completedAt, cancelledAt, expiredAt sql.NullTime
	var reason, cancelledBy sql.NullString
	err := row.Scan(&token.TokenID, &token.TokenNumber, &token.Sequence, &token.ServiceID, &token.UserID, &token.Status,
		&token.QueuePosition, &token.EstimatedWaitSeconds, &token.CreatedAt, &calledAt, &startedAt, &completedAt,
		&cancelledAt, &expiredAt, &reason, &cancelledBy, &token.Version)
	if err != nil {
		return models.Token{}, err
	}
	token.CreatedAt = token.CreatedAt.UTC()
	token.CalledAt = nullTimePtr(calledAt)
	token.ServiceStartedAt = nullTimePtr(startedAt)
	token.CompletedAt = nullTimePtr(completedAt)
	token.CancelledAt = nullTimePtr(cancelledAt)
	token.ExpiredAt = nullTimePtr(expiredAt)
	token.CancellationReason = reason.String
	token.CancelledBy = cancelledBy.String
	return token, nil
}
