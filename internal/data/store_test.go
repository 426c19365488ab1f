package data

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/pkg/breaker"
	pkgerrors "Bulwark/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestNewStoreConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := NewStoreConfig(nil)
		assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 3*time.Second, cfg.QueryTimeout)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg := NewStoreConfig(&conf.Data{Database: &conf.Data_Database{
			ConnectTimeout: time.Second,
			QueryTimeout:   500 * time.Millisecond,
			MaxRetries:     7,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  10 * time.Second,
		}})
		assert.Equal(t, time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 500*time.Millisecond, cfg.QueryTimeout)
		assert.Equal(t, 7, cfg.Retry.MaxAttempts)
		assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
		assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	})
}

func TestStore_Connect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s, _ := setupTestStore(t)
		assert.True(t, s.Connected())
		assert.False(t, s.Degraded())

		st := s.Stats()
		assert.Equal(t, int64(1), st.ReconnectAttempts)
		assert.Equal(t, int64(1), st.ReconnectSuccesses)
		assert.Equal(t, "CLOSED", st.Breaker.State)
	})

	t.Run("exhausted retries leave the store degraded", func(t *testing.T) {
		var calls atomic.Int32
		dial := func(context.Context) (*gorm.DB, error) {
			calls.Add(1)
			return nil, driver.ErrBadConn
		}
		s := NewStoreWithConfig(testStoreConfig(), dial, testRegistry(nil), log.DefaultLogger)

		err := s.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, pkgerrors.KindConnectivity, pkgerrors.KindOf(err))
		assert.Equal(t, int32(2), calls.Load())
		assert.True(t, s.Degraded())
		assert.False(t, s.Connected())
		assert.NotEmpty(t, s.Stats().LastError)
	})

	t.Run("NewStore does not fail startup", func(t *testing.T) {
		dial := func(context.Context) (*gorm.DB, error) { return nil, driver.ErrBadConn }
		c := &conf.Data{Database: &conf.Data_Database{MaxRetries: 1, ConnectTimeout: time.Second}}

		s, cleanup, err := NewStore(c, dial, testRegistry(nil), log.DefaultLogger)
		require.NoError(t, err)
		defer cleanup()
		assert.True(t, s.Degraded())
	})
}

type blockRow struct {
	IP     string
	Reason string
}

func TestStore_Query(t *testing.T) {
	s, mock := setupTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ip, reason FROM blocked_ips WHERE ip = ?")).
		WithArgs("203.0.113.7").
		WillReturnRows(sqlmock.NewRows([]string{"ip", "reason"}).AddRow("203.0.113.7", "manual"))

	var rows []blockRow
	err := s.Query(context.Background(), &rows, "SELECT ip, reason FROM blocked_ips WHERE ip = ?", "203.0.113.7")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "manual", rows[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Exec_ClientErrorSurfacesUnchanged(t *testing.T) {
	s, mock := setupTestStore(t)
	dup := &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}

	for i := 0; i < 5; i++ {
		mock.ExpectExec("INSERT INTO blocked_ips").WillReturnError(dup)
	}
	for i := 0; i < 5; i++ {
		_, err := s.Exec(context.Background(), "INSERT INTO blocked_ips (ip) VALUES (?)", "203.0.113.7")
		var myErr *mysqldriver.MySQLError
		require.True(t, errors.As(err, &myErr))
		assert.Equal(t, uint16(1062), myErr.Number)
		assert.NotEqual(t, pkgerrors.KindConnectivity, pkgerrors.KindOf(err))
	}

	assert.Equal(t, "CLOSED", s.Stats().Breaker.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Exec_ReconnectsOnce(t *testing.T) {
	db, mock, _ := setupTestDB(t)
	var calls atomic.Int32
	s := NewStoreWithConfig(testStoreConfig(), staticDialer(db, &calls), testRegistry(nil), log.DefaultLogger)
	require.NoError(t, s.Connect(context.Background()))

	mock.ExpectExec("UPDATE user_sessions").WillReturnError(mysqldriver.ErrInvalidConn)
	mock.ExpectExec("UPDATE user_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.Exec(context.Background(), "UPDATE user_sessions SET last_activity = NOW()")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int32(2), calls.Load(), "one initial dial plus one reconnect")
	assert.True(t, s.Connected())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Exec_PersistentConnectivityFailure(t *testing.T) {
	s, mock := setupTestStore(t)

	mock.ExpectExec("DELETE FROM user_sessions").WillReturnError(mysqldriver.ErrInvalidConn)
	mock.ExpectExec("DELETE FROM user_sessions").WillReturnError(mysqldriver.ErrInvalidConn)

	_, err := s.Exec(context.Background(), "DELETE FROM user_sessions")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrConnectivity)
	assert.ErrorIs(t, err, mysqldriver.ErrInvalidConn)
	assert.False(t, s.Connected())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_OpenCircuitShortCircuits(t *testing.T) {
	db, mock, _ := setupTestDB(t)
	var calls atomic.Int32
	registry := testRegistry(map[string]*conf.Breaker{
		breaker.ResourceDatabase: {FailureThreshold: 1, RecoveryTimeout: time.Minute, MonitoringPeriod: time.Minute, ExpectedVolume: 1},
	})
	s := NewStoreWithConfig(testStoreConfig(), staticDialer(db, &calls), registry, log.DefaultLogger)
	require.NoError(t, s.Connect(context.Background()))

	mock.ExpectExec("SELECT 1").WillReturnError(mysqldriver.ErrInvalidConn)

	_, err := s.Exec(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen, "retry after reconnect is rejected by the open breaker")

	// no SQL reaches the mock while open
	_, err = s.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.ErrorIs(t, err, pkgerrors.ErrConnectivity)

	assert.Equal(t, "OPEN", s.Stats().Breaker.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Transaction(t *testing.T) {
	s, mock := setupTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM user_sessions").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO session_blacklist").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.Transaction(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM user_sessions WHERE user_id = ?", "u1").Error; err != nil {
			return err
		}
		return tx.Exec("INSERT INTO session_blacklist SELECT 1").Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NotConnectedReconnectsOnDemand(t *testing.T) {
	db, mock, _ := setupTestDB(t)
	var calls atomic.Int32
	s := NewStoreWithConfig(testStoreConfig(), staticDialer(db, &calls), testRegistry(nil), log.DefaultLogger)

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, s.Connected())
}

func TestStore_HealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s, mock := setupTestStore(t)
		mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, s.HealthCheck(context.Background()))
		assert.True(t, s.Connected())
		assert.False(t, s.Stats().LastHealthCheck.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure triggers reconnect", func(t *testing.T) {
		db, mock, _ := setupTestDB(t)
		var fail atomic.Bool
		dial := func(context.Context) (*gorm.DB, error) {
			if fail.Load() {
				return nil, driver.ErrBadConn
			}
			return db, nil
		}
		s := NewStoreWithConfig(testStoreConfig(), dial, testRegistry(nil), log.DefaultLogger)
		require.NoError(t, s.Connect(context.Background()))

		fail.Store(true)
		mock.ExpectExec("SELECT 1").WillReturnError(mysqldriver.ErrInvalidConn)

		err := s.HealthCheck(context.Background())
		assert.ErrorIs(t, err, pkgerrors.ErrConnectivity)
		assert.False(t, s.Connected())
		// the probe runs outside the breaker
		assert.Equal(t, uint32(0), s.Stats().Breaker.Failures)
	})
}

func TestStore_Close(t *testing.T) {
	s, mock := setupTestStore(t)
	mock.ExpectClose()

	require.NoError(t, s.Close())
	assert.False(t, s.Connected())

	_, err := s.Exec(context.Background(), "SELECT 1")
	assert.Error(t, err)
}
