package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	// LockTimeout bounds the wait for a service's exclusive section.
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &Store{pool: pool, lockTimeout: timeout}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (
			service_id, code, name, active, estimated_service_seconds, max_daily_tokens,
			geofence_latitude, geofence_longitude, geofence_radius_meters,
			require_presence, enforce_presence_at_call, call_timeout_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (service_id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			estimated_service_seconds = EXCLUDED.estimated_service_seconds,
			max_daily_tokens = EXCLUDED.max_daily_tokens,
			geofence_latitude = EXCLUDED.geofence_latitude,
			geofence_longitude = EXCLUDED.geofence_longitude,
			geofence_radius_meters = EXCLUDED.geofence_radius_meters,
			require_presence = EXCLUDED.require_presence,
			enforce_presence_at_call = EXCLUDED.enforce_presence_at_call,
			call_timeout_seconds = EXCLUDED.call_timeout_seconds
	`, service.ServiceID, service.Code, service.Name, service.IsActive, service.EstimatedServiceTime, service.MaxDailyTokens,
		service.GeofenceLatitude, service.GeofenceLongitude, service.GeofenceRadiusMeters,
		service.RequirePresence, service.EnforcePresenceAtCall, service.CallTimeoutSeconds)
	return mapPgError(err)
}

const serviceColumns = `service_id, code, name, active, estimated_service_seconds, max_daily_tokens,
	geofence_latitude, geofence_longitude, geofence_radius_meters,
	require_presence, enforce_presence_at_call, call_timeout_seconds`

func scanService(row pgx.Row) (models.Service, error) {
	var svc models.Service
	err := row.Scan(&svc.ServiceID, &svc.Code, &svc.Name, &svc.IsActive, &svc.EstimatedServiceTime, &svc.MaxDailyTokens,
		&svc.GeofenceLatitude, &svc.GeofenceLongitude, &svc.GeofenceRadiusMeters,
		&svc.RequirePresence, &svc.EnforcePresenceAtCall, &svc.CallTimeoutSeconds)
	return svc, err
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	svc, err := scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE service_id = $1`, serviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name, service_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return getToken(ctx, s.pool, tokenID, "")
}

func (s *Store) FindOpenToken(ctx context.Context, serviceID, userID string) (models.Token, bool, error) {
	return findOpenToken(ctx, s.pool, serviceID, userID)
}

func (s *Store) ListActiveTokens(ctx context.Context, serviceID string) ([]models.Token, error) {
	return listActiveTokens(ctx, s.pool, serviceID)
}

func (s *Store) CountTokensSince(ctx context.Context, serviceID string, since time.Time) (int, error) {
	return countTokensSince(ctx, s.pool, serviceID, since)
}

func (s *Store) ListTokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var payload []byte
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) AppendPresenceCheck(ctx context.Context, check models.PresenceCheck) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence_checks (
			check_id, token_id, latitude, longitude, accuracy_meters, distance_meters,
			is_within_geofence, check_type, is_compliant, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, check.CheckID, check.TokenID, check.Latitude, check.Longitude, check.AccuracyMeters, check.DistanceMeters,
		check.IsWithinGeofence, check.CheckType, check.IsCompliant, check.CreatedAt)
	if isForeignKeyViolation(err) {
		return store.ErrTokenNotFound
	}
	return mapPgError(err)
}

func (s *Store) ListPresenceChecks(ctx context.Context, tokenID string) ([]models.PresenceCheck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT check_id, token_id, latitude, longitude, accuracy_meters, distance_meters,
			is_within_geofence, check_type, is_compliant, created_at
		FROM presence_checks
		WHERE token_id = $1
		ORDER BY created_at ASC, check_id ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []models.PresenceCheck
	for rows.Next() {
		var check models.PresenceCheck
		if err := rows.Scan(&check.CheckID, &check.TokenID, &check.Latitude, &check.Longitude, &check.AccuracyMeters, &check.DistanceMeters,
			&check.IsWithinGeofence, &check.CheckType, &check.IsCompliant, &check.CreatedAt); err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func (s *Store) ListAbuseLogs(ctx context.Context, userID string) ([]models.AbuseLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT log_id, user_id, token_id, service_id, event_type, severity, description, created_at
		FROM abuse_logs
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at ASC, log_id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.AbuseLog
	for rows.Next() {
		var entry models.AbuseLog
		var tokenID, serviceID sql.NullString
		if err := rows.Scan(&entry.LogID, &entry.UserID, &tokenID, &serviceID, &entry.EventType, &entry.Severity, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.TokenID = tokenID.String
		entry.ServiceID = serviceID.String
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) ClaimDueTimeouts(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.TimeoutJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT token_id, due_at
			FROM call_timeouts
			WHERE due_at <= $1
			ORDER BY due_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE call_timeouts c
		SET due_at = $2
		FROM due
		WHERE c.token_id = due.token_id
		RETURNING c.token_id, c.service_id, due.due_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.TimeoutJob
	for rows.Next() {
		var job models.TimeoutJob
		if err := rows.Scan(&job.TokenID, &job.ServiceID, &job.DueAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) WithServiceLock(ctx context.Context, serviceID string, fn func(tx store.QueueTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockServiceQueue(ctx, tx, serviceID, s.lockTimeout); err != nil {
		return err
	}
	if err = fn(&queueTx{tx: tx, serviceID: serviceID}); err != nil {
		return mapPgError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

func lockServiceQueue(ctx context.Context, tx pgx.Tx, serviceID string, timeout time.Duration) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, timeout.Milliseconds())); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO service_queue_state (service_id, last_sequence)
		VALUES ($1, 0)
		ON CONFLICT (service_id) DO NOTHING
	`, serviceID)
	if isForeignKeyViolation(err) {
		return store.ErrServiceNotFound
	}
	if err != nil {
		return mapPgError(err)
	}

	var last int64
	row := tx.QueryRow(ctx, `
		SELECT last_sequence
		FROM service_queue_state
		WHERE service_id = $1
		FOR UPDATE
	`, serviceID)
	return mapPgError(row.Scan(&last))
}

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
)

// mapPgError turns lock and serialization failures into ErrConcurrencyConflict.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgUniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
	default:
		return err
	}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
