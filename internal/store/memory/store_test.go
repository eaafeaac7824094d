package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T) *Store {
	t.Helper()
	st := NewStore()
	require.NoError(t, st.UpsertService(context.Background(), models.Service{ServiceID: "svc", Code: "CS", Name: "Customer Service", IsActive: true}))
	require.NoError(t, st.UpsertService(context.Background(), models.Service{ServiceID: "other", Code: "OT", Name: "Other", IsActive: true}))
	return st
}

func insert(t *testing.T, st *Store, serviceID, tokenID, userID string, createdAt time.Time) models.Token {
	t.Helper()
	var out models.Token
	err := st.WithServiceLock(context.Background(), serviceID, func(tx store.QueueTx) error {
		seq, err := tx.NextSequence(context.Background())
		if err != nil {
			return err
		}
		out, err = tx.InsertToken(context.Background(), models.Token{
			TokenID:   tokenID,
			ServiceID: serviceID,
			UserID:    userID,
			Sequence:  seq,
			Status:    models.StatusActive,
			CreatedAt: createdAt,
		})
		return err
	})
	require.NoError(t, err)
	return out
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		seq, err := tx.NextSequence(ctx)
		require.NoError(t, err)
		_, err = tx.InsertToken(ctx, models.Token{TokenID: "t1", ServiceID: "svc", UserID: "u1", Sequence: seq, Status: models.StatusActive, CreatedAt: base})
		require.NoError(t, err)
		require.NoError(t, tx.ScheduleTimeout(ctx, models.TimeoutJob{TokenID: "t1", ServiceID: "svc", DueAt: base}))
		require.NoError(t, tx.AppendAbuseLog(ctx, models.AbuseLog{LogID: "l1", UserID: "u1", EventType: models.AbuseEventNoShow}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetToken(ctx, "t1")
	require.ErrorIs(t, err, store.ErrTokenNotFound)
	_, pending := st.PendingTimeout("t1")
	require.False(t, pending)
	logs, err := st.ListAbuseLogs(ctx, "")
	require.NoError(t, err)
	require.Empty(t, logs)

	// The sequence consumed by the rolled back section is handed out again.
	token := insert(t, st, "svc", "t2", "u2", base)
	require.Equal(t, int64(1), token.Sequence)
}

func TestTxReadsItsOwnWrites(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	insert(t, st, "svc", "t1", "u1", base)

	err := st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		seq, err := tx.NextSequence(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), seq)
		_, err = tx.InsertToken(ctx, models.Token{TokenID: "t2", ServiceID: "svc", UserID: "u2", Sequence: seq, Status: models.StatusActive, CreatedAt: base.Add(time.Minute)})
		require.NoError(t, err)

		active, err := tx.ListActiveTokens(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)

		open, ok, err := tx.FindOpenToken(ctx, "u2")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "t2", open.TokenID)

		count, err := tx.CountTokensSince(ctx, base)
		require.NoError(t, err)
		require.Equal(t, 2, count)
		return nil
	})
	require.NoError(t, err)

	// Outside the section nothing leaked before commit and everything is visible after.
	active, err := st.ListActiveTokens(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "t1", active[0].TokenID)
}

func TestClaimNextActiveOrdersByCreatedAtThenSequence(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	insert(t, st, "svc", "late", "u1", base.Add(time.Minute))
	insert(t, st, "svc", "early-b", "u2", base)
	insert(t, st, "other", "foreign", "u3", base.Add(-time.Hour))

	var called models.Token
	err := st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		var err error
		called, err = tx.ClaimNextActive(ctx, base.Add(2*time.Minute))
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "early-b", called.TokenID)
	require.Equal(t, models.StatusCalled, called.Status)
	require.NotNil(t, called.CalledAt)
	require.Equal(t, int64(2), called.Version)

	err = st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		_, err := tx.GetToken(ctx, "foreign")
		return err
	})
	require.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestClaimNextActiveEmptyQueue(t *testing.T) {
	st := seed(t)
	err := st.WithServiceLock(context.Background(), "svc", func(tx store.QueueTx) error {
		_, err := tx.ClaimNextActive(context.Background(), base)
		return err
	})
	require.ErrorIs(t, err, store.ErrNoTokensWaiting)
}

func TestUpdateTokenRejectsStaleVersion(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	token := insert(t, st, "svc", "t1", "u1", base)

	err := st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		stale := token
		stale.Version = token.Version + 5
		_, err := tx.UpdateToken(ctx, stale)
		return err
	})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	err = st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		updated := token
		updated.Status = models.StatusCancelled
		out, err := tx.UpdateToken(ctx, updated)
		require.NoError(t, err)
		require.Equal(t, token.Version+1, out.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestClaimDueTimeoutsLeasesJobs(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	insert(t, st, "svc", "t1", "u1", base)

	due := base.Add(2 * time.Minute)
	require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		return tx.ScheduleTimeout(ctx, models.TimeoutJob{TokenID: "t1", ServiceID: "svc", DueAt: due})
	}))

	jobs, err := st.ClaimDueTimeouts(ctx, due.Add(-time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	jobs, err = st.ClaimDueTimeouts(ctx, due, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].DueAt.Equal(due))

	jobs, err = st.ClaimDueTimeouts(ctx, due.Add(10*time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "a leased job is not handed out twice")

	jobs, err = st.ClaimDueTimeouts(ctx, due.Add(30*time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "an expired lease makes the job due again")

	require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		return tx.CancelTimeout(ctx, "t1")
	}))
	_, pending := st.PendingTimeout("t1")
	require.False(t, pending)
}

func TestAppendPresenceCheckUnknownToken(t *testing.T) {
	st := seed(t)
	err := st.AppendPresenceCheck(context.Background(), models.PresenceCheck{CheckID: "c1", TokenID: "missing"})
	require.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestTokenEventsChainAcrossSections(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	token := insert(t, st, "svc", "t1", "u1", base)

	require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		return tx.AppendTokenEvent(ctx, store.EventTokenCreated, token, base)
	}))
	require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		return tx.AppendTokenEvent(ctx, store.EventTokenCalled, token, base.Add(time.Minute))
	}))

	events, err := st.ListTokenEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, events[0].Hash, events[1].PrevHash)
	require.NoError(t, store.VerifyTokenEvents(events))
}

func TestClaimNextActiveRaisesCalledAtToCreatedAt(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	insert(t, st, "svc", "t1", "u1", base)

	var called models.Token
	require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		var err error
		called, err = tx.ClaimNextActive(ctx, base.Add(-time.Minute))
		return err
	}))
	require.True(t, called.CalledAt.Equal(base))
}

func TestListStaleTokensIncludesEveryOpenStatus(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	for _, tc := range []struct {
		id     string
		status string
	}{
		{"active", models.StatusActive},
		{"called", models.StatusCalled},
		{"serving", models.StatusInService},
		{"done", models.StatusCompleted},
	} {
		token := insert(t, st, "svc", tc.id, "u-"+tc.id, base)
		require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
			token.Status = tc.status
			_, err := tx.UpdateToken(ctx, token)
			return err
		}))
	}
	insert(t, st, "svc", "today", "u-today", base.Add(24*time.Hour))

	var ids []string
	require.NoError(t, st.WithServiceLock(ctx, "svc", func(tx store.QueueTx) error {
		stale, err := tx.ListStaleTokens(ctx, base.Add(time.Hour))
		for _, token := range stale {
			ids = append(ids, token.TokenID)
		}
		return err
	}))
	require.ElementsMatch(t, []string{"active", "called", "serving"}, ids)
}
