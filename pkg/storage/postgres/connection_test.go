package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("postgres://localhost/tollgate")
	assert.Equal(t, "postgres://localhost/tollgate", cfg.URL)
	assert.Equal(t, 20, cfg.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.ConnectRetry)
}

func TestOpen_RequiresURL(t *testing.T) {
	_, err := Open(context.Background(), ConnectionConfig{URL: "  "}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func TestWaitForDatabase_FirstPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	err = waitForDatabase(context.Background(), db, ConnectionConfig{Timeout: time.Second, ConnectRetry: time.Second}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForDatabase_RetriesUntilReady(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing()

	err = waitForDatabase(context.Background(), db, ConnectionConfig{Timeout: time.Second, ConnectRetry: 10 * time.Second}, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForDatabase_GivesUp(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 50; i++ {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	}

	err = waitForDatabase(context.Background(), db, ConnectionConfig{Timeout: 100 * time.Millisecond, ConnectRetry: 300 * time.Millisecond}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWaitForDatabase_StopsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 50; i++ {
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = waitForDatabase(ctx, db, ConnectionConfig{Timeout: time.Second, ConnectRetry: time.Minute}, nil)
	require.Error(t, err)
}

func TestConfigurePool(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	configurePool(db, ConnectionConfig{MaxConns: 7, MinConns: 1})
	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}
