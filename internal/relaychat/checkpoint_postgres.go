package relaychat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCheckpointTableName = "relaychat_checkpoint"
	postgresCheckpointKey       = "default"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresCheckpoint struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCheckpoint(dsn string) (*PostgresCheckpoint, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCheckpoint{
		dsn:       dsn,
		tableName: postgresCheckpointTableName,
		stateKey:  postgresCheckpointKey,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresCheckpoint) Load() (string, error) {
	if err := c.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT last_ts FROM %s WHERE state_key = $1", postgresQuoteIdentifier(c.tableName))
	var last string
	err := c.db.QueryRowContext(ctx, query, c.stateKey).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return last, nil
}

func (c *PostgresCheckpoint) Advance(ts string) error {
	if _, err := tsAfter(ts, ""); err != nil {
		return err
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	// The WHERE clause enforces the monotonic-max rule server-side, so
	// concurrent writers cannot regress the stored value.
	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, last_ts, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET last_ts = EXCLUDED.last_ts, updated_at = NOW()
		WHERE %s.last_ts::numeric < EXCLUDED.last_ts::numeric`,
		postgresQuoteIdentifier(c.tableName), postgresQuoteIdentifier(c.tableName))
	_, err := c.db.ExecContext(ctx, query, c.stateKey, ts)
	return err
}

func (c *PostgresCheckpoint) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresCheckpoint) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		create := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				last_ts TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, create); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
