package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

// ErrNotFound is returned by Get when no row has the requested batch id.
var ErrNotFound = errors.New("store: batch not found")

// tsLayout is fixed-width so that TEXT comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT UNIQUE NOT NULL,
	session_ms INTEGER NOT NULL,
	samples INTEGER NOT NULL,
	date_ymd INTEGER NOT NULL DEFAULT 0,
	time_hms INTEGER NOT NULL DEFAULT 0,
	msec INTEGER NOT NULL DEFAULT 0,
	lat REAL NOT NULL DEFAULT 0,
	lon REAL NOT NULL DEFAULT 0,
	alt REAL NOT NULL DEFAULT 0,
	gps_fix INTEGER NOT NULL DEFAULT 0,
	sats INTEGER NOT NULL DEFAULT 0,
	ax REAL NOT NULL DEFAULT 0,
	ay REAL NOT NULL DEFAULT 0,
	az REAL NOT NULL DEFAULT 0,
	gx REAL NOT NULL DEFAULT 0,
	gy REAL NOT NULL DEFAULT 0,
	gz REAL NOT NULL DEFAULT 0,
	temp_c REAL NOT NULL DEFAULT 0,
	received_ts TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_id ON samples(batch_id);
CREATE INDEX IF NOT EXISTS idx_received_ts ON samples(received_ts);
`

const upsertQuery = `
INSERT INTO samples (
	batch_id, session_ms, samples, date_ymd, time_hms, msec,
	lat, lon, alt, gps_fix, sats,
	ax, ay, az, gx, gy, gz, temp_c,
	received_ts, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id) DO UPDATE SET
	session_ms = excluded.session_ms,
	samples = excluded.samples,
	date_ymd = excluded.date_ymd,
	time_hms = excluded.time_hms,
	msec = excluded.msec,
	lat = excluded.lat,
	lon = excluded.lon,
	alt = excluded.alt,
	gps_fix = excluded.gps_fix,
	sats = excluded.sats,
	ax = excluded.ax,
	ay = excluded.ay,
	az = excluded.az,
	gx = excluded.gx,
	gy = excluded.gy,
	gz = excluded.gz,
	temp_c = excluded.temp_c,
	received_ts = excluded.received_ts,
	updated_at = excluded.updated_at
`

const selectColumns = `
	batch_id, session_ms, samples, date_ymd, time_hms, msec,
	lat, lon, alt, gps_fix, sats,
	ax, ay, az, gx, gy, gz, temp_c,
	received_ts, created_at, updated_at`

// Row is one persisted sample plus the bookkeeping timestamps the store
// maintains.
type Row struct {
	packet.Record
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to 2: one writer and one reader for the status API.
	PoolSize int
	Logger   *slog.Logger
	// Now stamps created_at/updated_at. Defaults to time.Now.
	Now func() time.Time
}

// Store persists packets keyed by batch id.
//
// Re-delivering a batch id overwrites the previous row in place; created_at
// is kept and updated_at moves forward.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	now    func() time.Time
	path   string
}

// Open creates the database and schema if needed. Any failure is a
// StorageInit error.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errs.Newf(errs.StorageInit, "store", "open", "path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, errs.New(errs.StorageInit, "store", "open", fmt.Errorf("%s: %w", cfg.Path, err))
	}

	// Connections are prepared lazily; take one now so a bad path or
	// schema fails at startup rather than on the first packet.
	conn, err := pool.Take(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, errs.New(errs.StorageInit, "store", "open", fmt.Errorf("%s: %w", cfg.Path, err))
	}
	pool.Put(conn)

	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, logger: logger, now: now, path: cfg.Path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "sqlite" }

// Deliver upserts p with optional fields defaulted.
func (s *Store) Deliver(ctx context.Context, p packet.Packet) error {
	return s.Upsert(ctx, packet.WithDefaults(p))
}

func (s *Store) Upsert(ctx context.Context, r packet.Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errs.New(errs.Storage, "store", "upsert", err)
	}
	defer s.pool.Put(conn)

	stamp := formatTS(s.now())
	err = sqlitex.Execute(conn, upsertQuery, &sqlitex.ExecOptions{
		Args: []any{
			r.BatchID, r.SessionMs, r.SampleCount, r.DateYMD, r.TimeHMS, r.Msec,
			r.Lat, r.Lon, r.Alt, r.GPSFix, r.Sats,
			r.AX, r.AY, r.AZ, r.GX, r.GY, r.GZ, r.TempC,
			formatTS(r.ReceivedTS), stamp, stamp,
		},
	})
	if err != nil {
		return errs.New(errs.Storage, "store", "upsert", fmt.Errorf("batch %s: %w", r.BatchID, err))
	}
	return nil
}

// Get returns the row for a canonical batch id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, batchID string) (Row, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Row{}, errs.New(errs.Storage, "store", "get", err)
	}
	defer s.pool.Put(conn)

	var (
		row   Row
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT "+selectColumns+" FROM samples WHERE batch_id = ?", &sqlitex.ExecOptions{
		Args: []any{batchID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			row = scanRow(stmt)
			return nil
		},
	})
	if err != nil {
		return Row{}, errs.New(errs.Storage, "store", "get", err)
	}
	if !found {
		return Row{}, ErrNotFound
	}
	return row, nil
}

// ListSince returns rows received at or after since, oldest first. A
// non-positive limit returns every match.
func (s *Store) ListSince(ctx context.Context, since time.Time, limit int) ([]Row, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errs.New(errs.Storage, "store", "list", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}
	var rows []Row
	err = sqlitex.Execute(conn,
		"SELECT "+selectColumns+" FROM samples WHERE received_ts >= ? ORDER BY received_ts, id LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{formatTS(since), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, scanRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, errs.New(errs.Storage, "store", "list", err)
	}
	return rows, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, errs.New(errs.Storage, "store", "count", err)
	}
	defer s.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM samples", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, errs.New(errs.Storage, "store", "count", err)
	}
	return n, nil
}

// Close blocks until borrowed connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close error", "path", s.path, "error", err)
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}

func scanRow(stmt *sqlite.Stmt) Row {
	return Row{
		Record: packet.Record{
			BatchID:     stmt.ColumnText(0),
			SessionMs:   stmt.ColumnInt64(1),
			SampleCount: stmt.ColumnInt64(2),
			DateYMD:     stmt.ColumnInt64(3),
			TimeHMS:     stmt.ColumnInt64(4),
			Msec:        stmt.ColumnInt64(5),
			Lat:         stmt.ColumnFloat(6),
			Lon:         stmt.ColumnFloat(7),
			Alt:         stmt.ColumnFloat(8),
			GPSFix:      stmt.ColumnInt64(9),
			Sats:        stmt.ColumnInt64(10),
			AX:          stmt.ColumnFloat(11),
			AY:          stmt.ColumnFloat(12),
			AZ:          stmt.ColumnFloat(13),
			GX:          stmt.ColumnFloat(14),
			GY:          stmt.ColumnFloat(15),
			GZ:          stmt.ColumnFloat(16),
			TempC:       stmt.ColumnFloat(17),
			ReceivedTS:  parseTS(stmt.ColumnText(18)),
		},
		CreatedAt: parseTS(stmt.ColumnText(19)),
		UpdatedAt: parseTS(stmt.ColumnText(20)),
	}
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
