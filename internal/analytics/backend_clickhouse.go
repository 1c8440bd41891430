package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
)

// ClickHouseBackend persists invocation and metric events in ClickHouse
// for queryable usage history.
type ClickHouseBackend struct {
	conn *sql.DB
}

// ClickHouseConfig locates the target cluster.
type ClickHouseConfig struct {
	Addr     string // host:port, native protocol
	Database string
	Username string
	Password string
}

// NewClickHouseBackend connects, verifies connectivity, and creates the
// event tables when they do not exist.
func NewClickHouseBackend(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("analytics: clickhouse addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s?secure=false",
		cfg.Username, cfg.Password, cfg.Addr, cfg.Database)

	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}

	b := &ClickHouseBackend{conn: conn}
	if err := b.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("analytics: initialize schema: %w", err)
	}
	return b, nil
}

func (b *ClickHouseBackend) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gateway_invocations (
			id UUID,
			request_id String,
			provider_id String,
			provider_name String,
			operation String,
			success UInt8,
			duration_ms Int64,
			tokens_used Int32,
			cost Float64,
			error_code String,
			created_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (provider_id, created_at)
		TTL toDateTime(created_at) + INTERVAL 90 DAY`,

		`CREATE TABLE IF NOT EXISTS gateway_metrics (
			name String,
			value Float64,
			tags String,
			created_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (name, created_at)
		TTL toDateTime(created_at) + INTERVAL 30 DAY`,
	}
	for _, stmt := range stmts {
		if _, err := b.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *ClickHouseBackend) WriteInvocations(ctx context.Context, events []InvocationEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gateway_invocations
			(id, request_id, provider_id, provider_name, operation, success,
			 duration_ms, tokens_used, cost, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		success := uint8(0)
		if e.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.RequestID, e.ProviderID, e.ProviderName, e.Operation, success,
			e.DurationMs, int32(e.TokensUsed), e.Cost, e.ErrorCode, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("analytics: append invocation: %w", err)
		}
	}
	return tx.Commit()
}

func (b *ClickHouseBackend) WriteMetrics(ctx context.Context, events []MetricEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gateway_metrics (name, value, tags, created_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("analytics: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		tags, _ := json.Marshal(e.Tags)
		if _, err := stmt.ExecContext(ctx, e.Name, e.Value, string(tags), e.CreatedAt); err != nil {
			return fmt.Errorf("analytics: append metric: %w", err)
		}
	}
	return tx.Commit()
}

func (b *ClickHouseBackend) Close() error {
	return b.conn.Close()
}
