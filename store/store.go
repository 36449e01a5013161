// Package store keeps the last known pump state in SQLite (WAL mode) so a
// restart resumes with the same watermark and settings timestamps.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dana/pump/driver"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

var ErrNoSnapshot = errors.New("store: no snapshot saved")

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate creates the schema. It is idempotent.
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlPumpSnapshot); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const ddlPumpSnapshot = `
CREATE TABLE IF NOT EXISTS pump_snapshot (
    device     TEXT    PRIMARY KEY,      -- advertised pump name
    state      TEXT    NOT NULL,         -- JSON encoded driver.PumpState
    watermark  INTEGER NOT NULL DEFAULT 0, -- Unix milliseconds
    saved_at   INTEGER NOT NULL          -- Unix milliseconds
);
`

// SaveSnapshot stores state as the current snapshot of device.
func (db *DB) SaveSnapshot(ctx context.Context, device string, state driver.PumpState, at time.Time) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO pump_snapshot (device, state, watermark, saved_at) VALUES (?, ?, ?, ?)
ON CONFLICT(device) DO UPDATE SET state = excluded.state, watermark = excluded.watermark, saved_at = excluded.saved_at`,
		device, string(data), state.LastHistoryFetched, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the saved state of device, or ErrNoSnapshot.
func (db *DB) LoadSnapshot(ctx context.Context, device string) (driver.PumpState, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT state FROM pump_snapshot WHERE device = ?`, device).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return driver.PumpState{}, ErrNoSnapshot
	}
	if err != nil {
		return driver.PumpState{}, fmt.Errorf("store: load snapshot: %w", err)
	}

	var state driver.PumpState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return driver.PumpState{}, fmt.Errorf("store: decode snapshot: %w", err)
	}
	return state, nil
}

// Persist saves a snapshot of pump each time a status refresh completes or
// the link closes, until events is closed or ctx is done.
func Persist(ctx context.Context, db *DB, device string, pump *driver.Pump, events <-chan driver.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case driver.EventNewStatus, driver.EventDisconnected:
			default:
				continue
			}
			if err := db.SaveSnapshot(ctx, device, pump.Snapshot(), event.Time); err != nil {
				log.Error().Err(err).Msg("Failed to save pump snapshot")
			}
		}
	}
}
