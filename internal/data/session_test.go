package data

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-kratos/kratos/v2/log"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionColumns = []string{"session_id", "user_id", "fingerprint_hash", "ip", "user_agent", "created_at", "expires_at", "last_activity"}

func setupSessionRepo(t *testing.T) (*SessionRepo, sqlmock.Sqlmock, *miniredis.Miniredis) {
	s, mock := setupTestStore(t)
	rdb, mr := setupTestRedis(t)
	return NewSessionRepo(s, NewCacheClient(rdb, testRegistry(nil)), log.DefaultLogger), mock, mr
}

func TestSessionRepo_CreateCapped(t *testing.T) {
	repo, mock, mr := setupSessionRepo(t)
	ctx := context.Background()
	now := time.Now()
	id := uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `user_sessions` WHERE user_id = ? AND expires_at > ? ORDER BY last_activity ASC FOR UPDATE")).
		WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("s1", "u1", "fp", "", "", now, now.Add(time.Hour), now.Add(-2*time.Hour)).
			AddRow("s2", "u1", "fp", "", "", now, now.Add(time.Hour), now.Add(-time.Hour)))
	mock.ExpectExec("INSERT INTO `session_blacklist` .* ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `user_sessions` WHERE session_id = ?")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `user_sessions`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	evicted, err := repo.CreateCapped(ctx, &Session{
		SessionID:       id,
		UserID:          "u1",
		FingerprintHash: "fp",
		IP:              gofakeit.IPv4Address(),
		UserAgent:       gofakeit.UserAgent(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(24 * time.Hour),
		LastActivity:    now,
	}, 2, 48*time.Hour, "evicted")
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, "s1", evicted[0].SessionID)
	assert.Equal(t, now.Add(48*time.Hour), evicted[0].ExpiresAt)
	assert.True(t, mr.Exists(BuildCacheKey(CacheKeyBlacklist, "s1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_CreateCapped_RollsBack(t *testing.T) {
	repo, mock, mr := setupSessionRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `user_sessions` WHERE user_id = ?")).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("s1", "u1", "fp", "", "", now, now.Add(time.Hour), now))
	mock.ExpectExec("INSERT INTO `session_blacklist`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `user_sessions`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `user_sessions`")).
		WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	evicted, err := repo.CreateCapped(context.Background(), &Session{
		SessionID:       "s9",
		UserID:          "u1",
		FingerprintHash: "fp",
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
		LastActivity:    now,
	}, 1, time.Hour, "evicted")
	require.Error(t, err)
	assert.Nil(t, evicted)
	// nothing mirrored for a rolled back eviction
	assert.False(t, mr.Exists(BuildCacheKey(CacheKeyBlacklist, "s1")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Get(t *testing.T) {
	repo, mock, _ := setupSessionRepo(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	id := uuid.NewString()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `user_sessions` WHERE session_id = ?")).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow(id, "u1", "fp", "", "", now, now.Add(24*time.Hour), now))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.False(t, got.Expired(now))
	assert.True(t, got.Expired(now.Add(24*time.Hour)))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `user_sessions` WHERE session_id = ?")).
		WillReturnRows(sqlmock.NewRows(sessionColumns))
	got, err = repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_ListActiveByUser(t *testing.T) {
	repo, mock, _ := setupSessionRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `user_sessions` WHERE user_id = ? AND expires_at > ? ORDER BY last_activity ASC")).
		WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow("s1", "u1", "fp", "", "", now, now.Add(time.Hour), now.Add(-time.Hour)).
			AddRow("s2", "u1", "fp", "", "", now, now.Add(time.Hour), now))

	sessions, err := repo.ListActiveByUser(context.Background(), "u1", now)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Blacklist(t *testing.T) {
	repo, mock, mr := setupSessionRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("INSERT INTO `session_blacklist` .* ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Blacklist(ctx, &SessionBlacklist{
		SessionID:     "s1",
		Reason:        "fingerprint_mismatch",
		BlacklistedAt: now,
		ExpiresAt:     now.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	key := BuildCacheKey(CacheKeyBlacklist, "s1")
	assert.True(t, mr.Exists(key))
	assert.InDelta(t, (48 * time.Hour).Seconds(), mr.TTL(key).Seconds(), 5)

	// answered by Redis, no SQL expected
	ok, err := repo.IsBlacklisted(ctx, "s1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_IsBlacklisted_FallsBackToDatabase(t *testing.T) {
	repo, mock, mr := setupSessionRepo(t)
	ctx := context.Background()
	now := time.Now()

	countQuery := regexp.QuoteMeta("SELECT count(*) FROM `session_blacklist` WHERE session_id = ? AND expires_at > ?")

	t.Run("cache miss", func(t *testing.T) {
		mock.ExpectQuery(countQuery).
			WithArgs("s2", now).
			WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))

		ok, err := repo.IsBlacklisted(ctx, "s2", now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("cache down", func(t *testing.T) {
		mr.Close()
		mock.ExpectQuery(countQuery).
			WithArgs("s3", now).
			WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(0))

		ok, err := repo.IsBlacklisted(ctx, "s3", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_Sweeps(t *testing.T) {
	repo, mock, _ := setupSessionRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `user_sessions` WHERE expires_at <= ?")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `session_blacklist` WHERE expires_at <= ?")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = repo.DeleteExpiredBlacklist(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE `user_sessions` SET `last_activity`=? WHERE session_id = ?")).
		WithArgs(now, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.TouchActivity(ctx, "s1", now))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `user_sessions` WHERE session_id = ?")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(ctx, "s1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
