// Package store persists channel configs and controller events in SQLite so
// a restarted daemon can restore its output.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fkcurrie/multipwm/pkg/pwm"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	channel    INTEGER PRIMARY KEY,
	pin        INTEGER NOT NULL,
	phase      INTEGER NOT NULL,
	high       INTEGER NOT NULL,
	low        INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	kind     TEXT NOT NULL,
	wave     INTEGER NOT NULL,
	previous INTEGER NOT NULL,
	state    TEXT NOT NULL,
	err      TEXT NOT NULL DEFAULT '',
	at       INTEGER NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// Store is a SQLite-backed record of the applied channel configs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveChannel records the config of one channel, replacing any earlier one.
func (s *Store) SaveChannel(ctx context.Context, cfg pwm.ChannelConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel, pin, phase, high, low, count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			pin = excluded.pin, phase = excluded.phase, high = excluded.high,
			low = excluded.low, count = excluded.count, updated_at = excluded.updated_at`,
		cfg.Channel, cfg.Pin, cfg.Phase, cfg.High, cfg.Low, cfg.Count, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: save channel %d: %w", cfg.Channel, err)
	}
	return nil
}

// DeleteChannel forgets a channel.
func (s *Store) DeleteChannel(ctx context.Context, ch int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel = ?`, ch); err != nil {
		return fmt.Errorf("store: delete channel %d: %w", ch, err)
	}
	return nil
}

// ReplaceChannels makes cfgs the complete set of recorded channels.
func (s *Store) ReplaceChannels(ctx context.Context, cfgs []pwm.ChannelConfig) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		return fmt.Errorf("store: clear channels: %w", err)
	}
	now := time.Now().UnixNano()
	for _, cfg := range cfgs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO channels (channel, pin, phase, high, low, count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cfg.Channel, cfg.Pin, cfg.Phase, cfg.High, cfg.Low, cfg.Count, now)
		if err != nil {
			return fmt.Errorf("store: save channel %d: %w", cfg.Channel, err)
		}
	}
	return tx.Commit()
}

// Channels returns every recorded channel in channel order.
func (s *Store) Channels(ctx context.Context) ([]pwm.ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, pin, phase, high, low, count FROM channels ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("store: query channels: %w", err)
	}
	defer rows.Close()

	var out []pwm.ChannelConfig
	for rows.Next() {
		var c pwm.ChannelConfig
		if err := rows.Scan(&c.Channel, &c.Pin, &c.Phase, &c.High, &c.Low, &c.Count); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Restore arms every recorded channel on set. Channels whose pin no longer
// matches, or whose timing no longer fits the period, are skipped and
// reported together.
func (s *Store) Restore(ctx context.Context, set *pwm.ChannelSet) (int, error) {
	cfgs, err := s.Channels(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, c := range cfgs {
		if err := set.Apply(c); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RecordEvent appends a controller event.
func (s *Store) RecordEvent(ctx context.Context, ev pwm.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (kind, wave, previous, state, err, at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), int(ev.Wave), int(ev.Previous), ev.State.String(), ev.Err, ev.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

// Events returns up to limit of the most recent events, oldest first.
func (s *Store) Events(ctx context.Context, limit int) ([]pwm.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, wave, previous, state, err, at FROM (
			SELECT id, kind, wave, previous, state, err, at FROM events ORDER BY id DESC LIMIT ?
		) ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var out []pwm.Event
	for rows.Next() {
		var (
			ev          pwm.Event
			kind, state string
			wave, prev  int
			at          int64
		)
		if err := rows.Scan(&kind, &wave, &prev, &state, &ev.Err, &at); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Kind = pwm.EventKind(kind)
		ev.Wave = pwm.WaveID(wave)
		ev.Previous = pwm.WaveID(prev)
		ev.State = pwm.ParseState(state)
		ev.Time = time.Unix(0, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
