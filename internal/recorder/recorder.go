// Package recorder persists sessions and telemetry updates to SQLite.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"dronelink/internal/session"
	"dronelink/internal/telemetry"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	port         TEXT    NOT NULL,
	baud         INTEGER NOT NULL,
	system_id    INTEGER NOT NULL,
	component_id INTEGER NOT NULL,
	autopilot    INTEGER NOT NULL,
	vehicle_type INTEGER NOT NULL,
	started_at   TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS samples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL REFERENCES sessions(id),
	kind        TEXT    NOT NULL,
	observed_at TEXT    NOT NULL,
	payload     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_session_kind ON samples(session_id, kind);
`

const (
	insertSessionSQL = `INSERT INTO sessions (port, baud, system_id, component_id, autopilot, vehicle_type, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	insertSampleSQL  = `INSERT INTO samples (session_id, kind, observed_at, payload) VALUES (?, ?, ?, ?)`
)

// Recorder writes one sessions row per connect and one samples row per
// telemetry update.
type Recorder struct {
	db  *sql.DB
	log *zap.Logger

	mu      sync.Mutex
	rows    map[uint64]int64 // manager session id -> sessions.id
	samples uint64
	bytes   uint64
	skipped uint64

	closeOnce sync.Once
	closeErr  error
}

func Open(path string, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: init schema: %w", err)
	}
	log.Info("recorder open", zap.String("path", path))
	return &Recorder{db: db, log: log, rows: make(map[uint64]int64)}, nil
}

// BeginSession records a freshly connected session. Samples for it are
// accepted from then on.
func (r *Recorder) BeginSession(ctx context.Context, info session.Info) error {
	res, err := r.db.ExecContext(ctx, insertSessionSQL,
		info.Port, info.Baud,
		info.Vehicle.SystemID, info.Vehicle.ComponentID,
		info.Vehicle.Autopilot, info.Vehicle.VehicleType,
		info.Since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recorder: insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("recorder: session id: %w", err)
	}
	r.mu.Lock()
	r.rows[info.ID] = id
	r.mu.Unlock()
	return nil
}

// Record stores one update. Updates for sessions never begun are counted and
// dropped.
func (r *Recorder) Record(ctx context.Context, u telemetry.Update) error {
	r.mu.Lock()
	row, ok := r.rows[u.Session]
	if !ok {
		r.skipped++
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(u.Record)
	if err != nil {
		return fmt.Errorf("recorder: marshal %s: %w", u.Kind, err)
	}
	if _, err := r.db.ExecContext(ctx, insertSampleSQL, row, string(u.Kind), u.At.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
		return fmt.Errorf("recorder: insert sample: %w", err)
	}
	r.mu.Lock()
	r.samples++
	r.bytes += uint64(len(payload))
	r.mu.Unlock()
	return nil
}

// Run records every update published on bus until ctx is done. Updates
// already queued when ctx ends are still written.
func (r *Recorder) Run(ctx context.Context, bus *telemetry.Broadcaster) error {
	id, ch := bus.Subscribe(256)
	if ch == nil {
		return errors.New("recorder: no telemetry bus")
	}
	defer bus.Unsubscribe(id)

	// Inserts are local and short; a cancel must not cut one in half.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.flush(wctx, ch)
			return nil
		case u, ok := <-ch:
			if !ok {
				return nil
			}
			r.write(wctx, u)
		}
	}
}

func (r *Recorder) flush(ctx context.Context, ch <-chan telemetry.Update) {
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return
			}
			r.write(ctx, u)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, u telemetry.Update) {
	if err := r.Record(ctx, u); err != nil {
		r.log.Warn("record sample", zap.String("kind", string(u.Kind)), zap.Error(err))
	}
}

// Counts returns row totals from the database.
func (r *Recorder) Counts(ctx context.Context) (sessions, samples int64, err error) {
	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions); err != nil {
		return 0, 0, fmt.Errorf("recorder: count sessions: %w", err)
	}
	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&samples); err != nil {
		return 0, 0, fmt.Errorf("recorder: count samples: %w", err)
	}
	return sessions, samples, nil
}

func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		samples, bytes, skipped := r.samples, r.bytes, r.skipped
		r.mu.Unlock()
		r.log.Info("recorder closed",
			zap.String("samples", humanize.Comma(int64(samples))),
			zap.String("payload", humanize.Bytes(bytes)),
			zap.Uint64("skipped", skipped),
		)
		r.closeErr = r.db.Close()
	})
	return r.closeErr
}
