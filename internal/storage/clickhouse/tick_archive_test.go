package clickhouse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
	chstore "forex-session-lab/internal/storage/clickhouse"
	"forex-session-lab/internal/storage/migrations"
)

// setupTestDB creates a ClickHouse container, applies migrations and returns
// a connection. Returns a cleanup function that must be called when done.
func setupTestDB(t *testing.T) (*chstore.Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60 * time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port())

	conn, err := migrations.RunClickhouseMigrations(ctx, dsn)
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}

	return conn, cleanup
}

func TestTickArchive_InsertBulkAndGetByInstance(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	archive := chstore.NewTickArchive(conn)
	ctx := context.Background()

	instanceID := "London_Open@2026-03-02T08:00:00Z"
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	ticks := []domain.Quote{
		{Instrument: "EURUSD", Bid: 1.1000, Ask: 1.1001, Time: base},
		{Instrument: "EURUSD", Bid: 1.1003, Ask: 1.1004, Time: base.Add(time.Second)},
		{Instrument: "GBPUSD", Bid: 1.2600, Ask: 1.2602, Time: base},
	}
	require.NoError(t, archive.InsertBulk(ctx, instanceID, ticks))

	got, err := archive.GetByInstance(ctx, instanceID, "EURUSD")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.1000, got[0].Bid)
	assert.Equal(t, 1.1004, got[1].Ask)
	assert.True(t, got[1].Time.After(got[0].Time))
}

func TestTickArchive_GetByInstanceIsolation(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	archive := chstore.NewTickArchive(conn)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, archive.InsertBulk(ctx, "instance-a", []domain.Quote{
		{Instrument: "EURUSD", Bid: 1.1, Ask: 1.1001, Time: base},
	}))
	require.NoError(t, archive.InsertBulk(ctx, "instance-b", []domain.Quote{
		{Instrument: "EURUSD", Bid: 1.2, Ask: 1.2001, Time: base},
	}))

	got, err := archive.GetByInstance(ctx, "instance-a", "EURUSD")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.1, got[0].Bid)
}

func TestTickArchive_EmptyBatchIsNoop(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	archive := chstore.NewTickArchive(conn)
	ctx := context.Background()

	require.NoError(t, archive.InsertBulk(ctx, "empty-instance", nil))

	got, err := archive.GetByInstance(ctx, "empty-instance", "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTickArchive_RejectsEmptyInstance(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	archive := chstore.NewTickArchive(conn)

	err := archive.InsertBulk(context.Background(), "", []domain.Quote{
		{Instrument: "EURUSD", Bid: 1, Ask: 1, Time: time.Now()},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
