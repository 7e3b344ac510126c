// Package storage provides SQLite-backed persistence for market records and shock alerts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/polycal/internal/models"
)

// MaxBatchOps is the write ceiling per transaction, leaving headroom under a hard limit of 500.
const MaxBatchOps = 490

var (
	ErrNotFound           = errors.New("not found")
	ErrExternalIDTaken    = errors.New("external id already belongs to another record")
	ErrLocalIDMismatch    = errors.New("local id does not match title and resolve date")
	ErrInvalidCredentials = errors.New("invalid storage credentials")
)

// Options configures the database handle.
type Options struct {
	DBPath        string `json:"db_path"`
	BusyTimeoutMS int    `json:"busy_timeout_ms"`
}

// ParseCredentials decodes an injected credential blob of the form
// {"db_path": "...", "busy_timeout_ms": 5000}.
func ParseCredentials(blob string) (Options, error) {
	var opts Options
	if strings.TrimSpace(blob) == "" {
		return opts, fmt.Errorf("%w: empty blob", ErrInvalidCredentials)
	}
	if err := json.Unmarshal([]byte(blob), &opts); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if strings.TrimSpace(opts.DBPath) == "" {
		return opts, fmt.Errorf("%w: db_path is required", ErrInvalidCredentials)
	}
	return opts, nil
}

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	batchLimit int
}

// Open opens or creates the SQLite database.
// An empty DBPath defaults to $TMPDIR/polycal/data.db.
func Open(opts Options) (*Storage, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polycal", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if opts.BusyTimeoutMS > 0 {
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout=%d`, opts.BusyTimeoutMS)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}
	s := &Storage{db: db, batchLimit: MaxBatchOps}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			local_id             TEXT PRIMARY KEY,
			external_id          TEXT,
			title                TEXT NOT NULL,
			question             TEXT NOT NULL DEFAULT '',
			catalyst_group       TEXT NOT NULL DEFAULT '',
			resolve_date         TEXT NOT NULL,
			probability          REAL NOT NULL,
			previous_probability REAL,
			change_delta         REAL NOT NULL DEFAULT 0,
			volume_num           REAL,
			volume_text          TEXT NOT NULL DEFAULT '',
			tags                 TEXT NOT NULL DEFAULT '',
			last_updated         INTEGER NOT NULL,
			source               TEXT NOT NULL DEFAULT '',
			extra                TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_markets_external_id ON markets(external_id) WHERE external_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS shock_alerts (
			id           TEXT PRIMARY KEY,
			shock_count  INTEGER NOT NULL,
			window_start INTEGER NOT NULL,
			window_end   INTEGER NOT NULL,
			shocks       TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shock_alerts_created_at ON shock_alerts(created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// writeBatched runs op for each index in [0,n), committing every batchLimit
// operations. Per-operation failures are returned by index; a failed commit
// fails every operation in that batch. It returns the number of batches committed.
func (s *Storage) writeBatched(ctx context.Context, n int, op func(tx *sql.Tx, i int) error) (int, map[int]error) {
	failed := make(map[int]error)
	batches := 0
	for start := 0; start < n; start += s.batchLimit {
		end := min(start+s.batchLimit, n)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			for i := start; i < end; i++ {
				failed[i] = fmt.Errorf("failed to begin transaction: %w", err)
			}
			continue
		}
		for i := start; i < end; i++ {
			if err := op(tx, i); err != nil {
				failed[i] = err
			}
		}
		if err := tx.Commit(); err != nil {
			for i := start; i < end; i++ {
				if _, already := failed[i]; !already {
					failed[i] = fmt.Errorf("failed to commit batch: %w", err)
				}
			}
			continue
		}
		batches++
	}
	return batches, failed
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int              `json:"imported"`
	Batches  int              `json:"batches"`
	Failed   map[string]error `json:"-"`
}

// ImportMarkets upserts records by local id, always derived from title and
// resolve date. Re-import refreshes descriptive fields and the probability but
// keeps an already observed external id and the recorded change history.
// A supplied local id that differs from the derived one is rejected, as is a
// record whose external id belongs to another local id.
func (s *Storage) ImportMarkets(ctx context.Context, records []*models.MarketRecord, source string) ImportResult {
	now := time.Now()
	result := ImportResult{Failed: make(map[string]error)}
	keys := make([]string, len(records))

	batches, failed := s.writeBatched(ctx, len(records), func(tx *sql.Tx, i int) error {
		rec := records[i]
		derived := models.LocalID(rec.Title, rec.ResolveDate)
		if rec.LocalID != "" && rec.LocalID != derived {
			keys[i] = rec.LocalID
			return fmt.Errorf("%w: got %s, want %s", ErrLocalIDMismatch, rec.LocalID, derived)
		}
		rec.LocalID = derived
		keys[i] = rec.LocalID
		if rec.Source == "" {
			rec.Source = source
		}
		if rec.LastUpdated.IsZero() {
			rec.LastUpdated = now
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid market: %w", err)
		}
		return upsertMarket(ctx, tx, rec)
	})

	for i, err := range failed {
		key := keys[i]
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		result.Failed[key] = err
	}
	result.Imported = len(records) - len(failed)
	result.Batches = batches
	return result
}

func upsertMarket(ctx context.Context, tx *sql.Tx, rec *models.MarketRecord) error {
	externalID := nullString(rec.ExternalID)
	if externalID.Valid {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT local_id FROM markets WHERE external_id = ?`, externalID.String).Scan(&owner)
		switch {
		case err == nil && owner != rec.LocalID:
			return fmt.Errorf("%w: %s is owned by %s", ErrExternalIDTaken, externalID.String, owner)
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check external id: %w", err)
		}
	}

	extra, err := json.Marshal(nonNilExtra(rec.Extra))
	if err != nil {
		return fmt.Errorf("failed to marshal extra: %w", err)
	}
	volNum, volText := volumeColumns(rec.Volume)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO markets
			(local_id, external_id, title, question, catalyst_group, resolve_date,
			 probability, previous_probability, change_delta, volume_num, volume_text,
			 tags, last_updated, source, extra)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(local_id) DO UPDATE SET
			external_id    = COALESCE(markets.external_id, excluded.external_id),
			title          = excluded.title,
			question       = excluded.question,
			catalyst_group = excluded.catalyst_group,
			resolve_date   = excluded.resolve_date,
			probability    = excluded.probability,
			volume_num     = excluded.volume_num,
			volume_text    = excluded.volume_text,
			tags           = excluded.tags,
			last_updated   = excluded.last_updated,
			source         = excluded.source,
			extra          = excluded.extra`,
		rec.LocalID, externalID, rec.Title, rec.Question, rec.CatalystGroup, rec.ResolveDate,
		rec.Probability, nullFloat(rec.PreviousProbability), rec.ChangeDelta, volNum, volText,
		models.JoinTags(rec.Tags), rec.LastUpdated.UnixNano(), rec.Source, string(extra),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert market %s: %w", rec.LocalID, err)
	}
	return nil
}

// PriceUpdate carries the only fields reconciliation may change.
type PriceUpdate struct {
	LocalID             string
	Probability         float64
	PreviousProbability *float64
	ChangeDelta         float64
	LastUpdated         time.Time
}

// ApplyResult summarizes a price update run.
type ApplyResult struct {
	Applied int
	Batches int
	Failed  map[string]error
}

// ApplyPriceUpdates writes price fields only, chunked at the batch ceiling.
// Each update is a single statement, so a record is either fully written or untouched.
func (s *Storage) ApplyPriceUpdates(ctx context.Context, updates []PriceUpdate) ApplyResult {
	batches, failed := s.writeBatched(ctx, len(updates), func(tx *sql.Tx, i int) error {
		u := updates[i]
		res, err := tx.ExecContext(ctx, `
			UPDATE markets SET probability=?, previous_probability=?, change_delta=?, last_updated=?
			WHERE local_id=?`,
			u.Probability, nullFloat(u.PreviousProbability), u.ChangeDelta, u.LastUpdated.UnixNano(), u.LocalID,
		)
		if err != nil {
			return fmt.Errorf("failed to update market %s: %w", u.LocalID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("market %s: %w", u.LocalID, ErrNotFound)
		}
		return nil
	})

	result := ApplyResult{Batches: batches, Failed: make(map[string]error, len(failed))}
	for i, err := range failed {
		result.Failed[updates[i].LocalID] = err
	}
	result.Applied = len(updates) - len(failed)
	return result
}

func (s *Storage) GetMarket(ctx context.Context, localID string) (*models.MarketRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE local_id = ?`, localID)
	m, err := scanMarket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	return m, nil
}

// ListMarkets returns every persisted record ordered by local id.
func (s *Storage) ListMarkets(ctx context.Context) ([]*models.MarketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+marketCols+` FROM markets ORDER BY local_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()
	markets := []*models.MarketRecord{}
	for rows.Next() {
		m, err := scanMarket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *Storage) AddShockAlert(ctx context.Context, alert *models.ShockAlert) error {
	if err := alert.Validate(); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}
	shocks, err := json.Marshal(alert.Shocks)
	if err != nil {
		return fmt.Errorf("failed to marshal shocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shock_alerts (id, shock_count, window_start, window_end, shocks, created_at)
		VALUES (?,?,?,?,?,?)`,
		alert.ID, alert.ShockCount, alert.WindowStart.UnixNano(), alert.WindowEnd.UnixNano(),
		string(shocks), alert.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListShockAlerts returns the most recent alerts first.
func (s *Storage) ListShockAlerts(ctx context.Context, limit int) ([]models.ShockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shock_count, window_start, window_end, shocks, created_at
		FROM shock_alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.ShockAlert{}
	for rows.Next() {
		var a models.ShockAlert
		var startNano, endNano, createdNano int64
		var shocks string
		if err := rows.Scan(&a.ID, &a.ShockCount, &startNano, &endNano, &shocks, &createdNano); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if err := json.Unmarshal([]byte(shocks), &a.Shocks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal shocks: %w", err)
		}
		a.WindowStart = time.Unix(0, startNano)
		a.WindowEnd = time.Unix(0, endNano)
		a.CreatedAt = time.Unix(0, createdNano)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

const marketCols = `local_id, external_id, title, question, catalyst_group, resolve_date,
	probability, previous_probability, change_delta, volume_num, volume_text,
	tags, last_updated, source, extra`

func scanMarket(scan func(...any) error) (*models.MarketRecord, error) {
	var m models.MarketRecord
	var externalID sql.NullString
	var prev, volNum sql.NullFloat64
	var volText, tags, extra string
	var lastUpdatedNano int64
	err := scan(
		&m.LocalID, &externalID, &m.Title, &m.Question, &m.CatalystGroup, &m.ResolveDate,
		&m.Probability, &prev, &m.ChangeDelta, &volNum, &volText,
		&tags, &lastUpdatedNano, &m.Source, &extra,
	)
	if err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	if prev.Valid {
		p := prev.Float64
		m.PreviousProbability = &p
	}
	switch {
	case volText != "":
		m.Volume = models.TextVolume(volText)
	case volNum.Valid:
		m.Volume = models.NumericVolume(volNum.Float64)
	}
	m.Tags = models.SplitTags(tags)
	m.LastUpdated = time.Unix(0, lastUpdatedNano)
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &m.Extra); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extra: %w", err)
		}
	}
	return &m, nil
}

func volumeColumns(v models.Volume) (sql.NullFloat64, string) {
	if !v.Valid {
		return sql.NullFloat64{}, ""
	}
	n, ok := v.Float()
	return sql.NullFloat64{Float64: n, Valid: ok}, v.Text
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nonNilExtra(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
