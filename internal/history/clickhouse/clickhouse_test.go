package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/store"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("failed to start ClickHouse container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}
	return container, host + ":" + port.Port()
}

func setupSinkWithTable(ctx context.Context, t *testing.T, addr, table string) *Sink {
	t.Helper()

	sink, err := New(addr, table)
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	err = sink.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			type String,
			occurred_at DateTime64(6),
			service String,
			pid Int32,
			state String,
			restarts Int32,
			started_at DateTime64(6),
			stopped_at Nullable(DateTime64(6)),
			running Bool,
			exit_code Nullable(Int64),
			exit_err Nullable(String),
			uniq String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, uniq)
	`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return sink
}

func TestClickHouseSinkIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink := setupSinkWithTable(ctx, t, addr, "service_history")
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("failed to close sink: %v", err)
		}
	}()

	rec := store.Record{
		Name:      "db",
		PID:       12345,
		State:     "running",
		StartedAt: time.Now().Add(-time.Minute).UTC(),
		Running:   true,
		Uniq:      "test-unique-key",
	}

	if err := sink.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		Record:     rec,
	}); err != nil {
		t.Fatalf("failed to send start event: %v", err)
	}

	stopTime := time.Now().UTC()
	rec.Running = false
	rec.State = "stopped"
	rec.StoppedAt.Time = stopTime
	rec.StoppedAt.Valid = true
	rec.ExitCode.Int64 = 0
	rec.ExitCode.Valid = true

	if err := sink.Send(ctx, history.Event{
		Type:       history.EventStop,
		OccurredAt: stopTime,
		Record:     rec,
	}); err != nil {
		t.Fatalf("failed to send stop event: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM service_history WHERE uniq = ?", rec.Uniq)
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestClickHouseSinkConnectionError(t *testing.T) {
	_, err := New("invalid-host:9000", "service_history")
	if err == nil {
		t.Error("expected error with invalid connection, got nil")
	}
}
