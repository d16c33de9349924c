package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/MGSousa/pm2-alerter/internal/model"
)

const alertsTable = "pm2_restart_alerts"

type AlertRow struct {
	ID          string    `ch:"id" json:"id"`
	Timestamp   time.Time `ch:"timestamp" json:"timestamp"`
	Host        string    `ch:"host" json:"host"`
	Key         string    `ch:"key" json:"key"`
	ProcessName string    `ch:"process_name" json:"process_name"`
	PMID        int64     `ch:"pm_id" json:"pm_id"`
}

type Config struct {
	Addr     string
	Database string
	User     string
	Password string
}

type QueryFilter struct {
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
	ProcessName string
}

type DB struct {
	conn driver.Conn
}

func NewClickHouse(ctx context.Context, cfg Config) (*DB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ` + alertsTable + ` (
		id String,
		timestamp DateTime64(3, 'UTC'),
		host LowCardinality(String),
		key LowCardinality(String),
		process_name String,
		pm_id Int64
	) ENGINE = MergeTree()
	ORDER BY (timestamp, process_name)
	`
	return db.conn.Exec(ctx, schema)
}

func (db *DB) InsertAlert(ctx context.Context, alert model.Alert) error {
	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO "+alertsTable)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}

	if err := batch.Append(
		alert.ID,
		alert.Timestamp,
		alert.Host,
		alert.Key,
		alert.Value,
		alert.PMID,
	); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}

	return batch.Send()
}

func (db *DB) QueryAlerts(ctx context.Context, filter QueryFilter) ([]AlertRow, error) {
	query, args := buildAlertQuery(filter)

	var rows []AlertRow
	if err := db.conn.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return rows, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func buildAlertQuery(filter QueryFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT id, timestamp, host, key, process_name, pm_id FROM ")
	sb.WriteString(alertsTable)
	sb.WriteString(" WHERE timestamp >= ? AND timestamp <= ?")
	args := []any{filter.From, filter.To}

	if filter.ProcessName != "" {
		sb.WriteString(" AND process_name = ?")
		args = append(args, filter.ProcessName)
	}

	sb.WriteString(" ORDER BY timestamp DESC LIMIT ? OFFSET ?")
	args = append(args, filter.Limit, filter.Offset)
	return sb.String(), args
}
