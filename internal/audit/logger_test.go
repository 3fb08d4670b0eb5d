package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDB implements database.Querier for testing.
type mockDB struct {
	mu    sync.Mutex
	count int
	rows  int
}

func (m *mockDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	m.rows += len(args) / insertColumns
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return nil
}

func (m *mockDB) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mockDB) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

func TestAsyncLogger_FlushesOnInterval(t *testing.T) {
	db := &mockDB{}
	cfg := LoggerConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}

	logger := NewAsyncLogger(db, NewStore(), cfg)

	logger.Log(context.Background(), Event{
		ActorID: "user-1",
		Action:  ActionAccessDenied,
	})

	assert.Eventually(t, func() bool { return db.insertCount() >= 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, logger.Close())
	assert.Equal(t, 1, db.rowCount())
}

func TestAsyncLogger_FlushesOnBatchSize(t *testing.T) {
	db := &mockDB{}
	cfg := LoggerConfig{
		BufferSize:    100,
		BatchSize:     3,
		FlushInterval: 10 * time.Second,
	}

	logger := NewAsyncLogger(db, NewStore(), cfg)

	for i := 0; i < 3; i++ {
		logger.Log(context.Background(), Event{Action: ActionAvatarUploaded})
	}

	assert.Eventually(t, func() bool { return db.insertCount() >= 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, logger.Close())
	assert.Equal(t, 3, db.rowCount())
}

func TestAsyncLogger_FlushesOnClose(t *testing.T) {
	db := &mockDB{}
	logger := NewAsyncLogger(db, NewStore(), LoggerConfig{
		BufferSize:    100,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	})

	for i := 0; i < 5; i++ {
		logger.Log(context.Background(), Event{Action: ActionAccessDenied})
	}

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Equal(t, 5, db.rowCount())
}

func TestAsyncLogger_DropsWhenBufferFull(t *testing.T) {
	db := &mockDB{}
	cfg := LoggerConfig{
		BufferSize:    2,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
	}

	logger := NewAsyncLogger(db, NewStore(), cfg)

	// Send more events than buffer can hold
	for i := 0; i < 10; i++ {
		logger.Log(context.Background(), Event{Action: ActionAccessDenied})
	}

	require.NoError(t, logger.Close())
	assert.Equal(t, 10, db.rowCount()+int(logger.Dropped()))
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Log(context.Background(), Event{Action: ActionAccessDenied})
	assert.NoError(t, l.Close())
}
