// Package store is the system of record: the append-only workflow event
// log, finalized capsules, the task-result dedup cache, and tenant budget
// snapshots. Everything lives in a single SQLite database opened in WAL
// mode with one writer.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// EventRecord is one durable workflow event. Seq is dense and 1-based per
// workflow; AppendEvent enforces it.
type EventRecord struct {
	WorkflowID string          `json:"workflow_id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	At         time.Time       `json:"at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// CapsuleRecord is one immutable finalized capsule version. Receipt is
// delivery metadata stored alongside, never inside the signed bytes.
type CapsuleRecord struct {
	CapsuleID string
	Version   int
	State     string // finalized, delivered, archived
	Data      []byte
	Receipt   []byte
	CreatedAt time.Time
}

// CachedResult is a prior successful task result, keyed by inputs hash.
type CachedResult struct {
	InputHash string
	TaskKind  string
	Artifact  []byte
	Meta      []byte
	CreatedAt time.Time
}

// BudgetSnapshot is the cumulative usage for one (tenant, provider) pair.
type BudgetSnapshot struct {
	Tenant     string
	Provider   string
	TokensUsed int64
	CostUSD    float64
	UpdatedAt  time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers; reads go through database/sql directly
}

// New opens (creating if needed) the database at path.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("store opened at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workflow_events (
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			at INTEGER NOT NULL,
			payload BLOB,
			PRIMARY KEY (workflow_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS capsules (
			capsule_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			data BLOB NOT NULL,
			receipt BLOB,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (capsule_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS task_results_cache (
			input_hash TEXT PRIMARY KEY,
			task_kind TEXT NOT NULL,
			artifact BLOB NOT NULL,
			meta BLOB,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			tenant TEXT NOT NULL,
			provider TEXT NOT NULL,
			tokens_used INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// AppendEvent appends one event to a workflow's history. The sequence must
// be exactly last+1; anything else indicates a split-brain writer or a
// corrupted checkpoint and is reported as Corruption.
func (s *Store) AppendEvent(rec EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(seq) FROM workflow_events WHERE workflow_id = ?`, rec.WorkflowID,
	).Scan(&last); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	want := int64(1)
	if last.Valid {
		want = last.Int64 + 1
	}
	if rec.Seq != want {
		return faults.Newf(faults.Corruption, "store.append_event",
			"workflow %s: event seq %d, want %d", rec.WorkflowID, rec.Seq, want)
	}

	if _, err := tx.Exec(
		`INSERT INTO workflow_events (workflow_id, seq, type, at, payload) VALUES (?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.Seq, rec.Type, rec.At.UnixMilli(), []byte(rec.Payload),
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// LoadHistory returns a workflow's full event history in seq order.
func (s *Store) LoadHistory(workflowID string) ([]EventRecord, error) {
	rows, err := s.db.Query(
		`SELECT seq, type, at, payload FROM workflow_events WHERE workflow_id = ? ORDER BY seq`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec EventRecord
			at  int64
		)
		rec.WorkflowID = workflowID
		if err := rows.Scan(&rec.Seq, &rec.Type, &at, (*[]byte)(&rec.Payload)); err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		rec.At = time.UnixMilli(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListWorkflowIDs returns every workflow with at least one event.
func (s *Store) ListWorkflowIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT workflow_id FROM workflow_events ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Put stores an opaque blob under (kind, id), overwriting any previous
// value. One Put is one transaction.
func (s *Store) Put(kind, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO blobs (kind, id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		kind, id, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", kind, id, err)
	}
	return nil
}

// Get fetches a blob stored with Put.
func (s *Store) Get(kind, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blobs WHERE kind = ? AND id = ?`, kind, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return data, nil
}

// ListBlobIDs returns every id stored under a kind.
func (s *Store) ListBlobIDs(kind string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM blobs WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("list blobs %s: %w", kind, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PutCapsule stores a finalized capsule version. Versions are immutable:
// inserting an existing (capsule_id, version) fails.
func (s *Store) PutCapsule(rec CapsuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO capsules (capsule_id, version, state, data, receipt, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CapsuleID, rec.Version, rec.State, rec.Data, rec.Receipt, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put capsule %s v%d: %w", rec.CapsuleID, rec.Version, err)
	}
	return nil
}

// GetCapsule fetches one capsule version. Version 0 means latest.
func (s *Store) GetCapsule(capsuleID string, version int) (*CapsuleRecord, error) {
	row := s.db.QueryRow(
		`SELECT capsule_id, version, state, data, receipt, created_at FROM capsules
		 WHERE capsule_id = ? AND (? = 0 OR version = ?)
		 ORDER BY version DESC LIMIT 1`,
		capsuleID, version, version,
	)
	var (
		rec CapsuleRecord
		at  int64
	)
	err := row.Scan(&rec.CapsuleID, &rec.Version, &rec.State, &rec.Data, &rec.Receipt, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule %s: %w", capsuleID, err)
	}
	rec.CreatedAt = time.UnixMilli(at)
	return &rec, nil
}

// LatestCapsuleVersion returns the highest stored version, 0 when none.
func (s *Store) LatestCapsuleVersion(capsuleID string) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT MAX(version) FROM capsules WHERE capsule_id = ?`, capsuleID,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("latest capsule version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// SetCapsuleState updates the lifecycle state (delivered, archived) and,
// optionally, the delivery receipt. The signed bytes are never touched.
func (s *Store) SetCapsuleState(capsuleID string, version int, state string, receipt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE capsules SET state = ?, receipt = COALESCE(?, receipt) WHERE capsule_id = ? AND version = ?`,
		state, receipt, capsuleID, version,
	)
	if err != nil {
		return fmt.Errorf("set capsule state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CacheResult records a successful task result under its inputs hash.
func (s *Store) CacheResult(rec CachedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO task_results_cache (input_hash, task_kind, artifact, meta, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(input_hash) DO UPDATE SET artifact = excluded.artifact, meta = excluded.meta, created_at = excluded.created_at`,
		rec.InputHash, rec.TaskKind, rec.Artifact, rec.Meta, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache result: %w", err)
	}
	return nil
}

// LookupResult fetches a cached result by inputs hash.
func (s *Store) LookupResult(inputHash string) (*CachedResult, error) {
	row := s.db.QueryRow(
		`SELECT input_hash, task_kind, artifact, meta, created_at FROM task_results_cache WHERE input_hash = ?`,
		inputHash,
	)
	var (
		rec CachedResult
		at  int64
	)
	err := row.Scan(&rec.InputHash, &rec.TaskKind, &rec.Artifact, &rec.Meta, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup result: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(at)
	return &rec, nil
}

// SaveBudget snapshots cumulative usage for (tenant, provider).
func (s *Store) SaveBudget(b BudgetSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO budgets (tenant, provider, tokens_used, cost_usd, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, provider) DO UPDATE SET tokens_used = excluded.tokens_used, cost_usd = excluded.cost_usd, updated_at = excluded.updated_at`,
		b.Tenant, b.Provider, b.TokensUsed, b.CostUSD, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save budget: %w", err)
	}
	return nil
}

// LoadBudgets returns all budget snapshots, used to warm the governor at
// startup.
func (s *Store) LoadBudgets() ([]BudgetSnapshot, error) {
	rows, err := s.db.Query(`SELECT tenant, provider, tokens_used, cost_usd, updated_at FROM budgets`)
	if err != nil {
		return nil, fmt.Errorf("load budgets: %w", err)
	}
	defer rows.Close()

	var out []BudgetSnapshot
	for rows.Next() {
		var (
			b  BudgetSnapshot
			at int64
		)
		if err := rows.Scan(&b.Tenant, &b.Provider, &b.TokensUsed, &b.CostUSD, &at); err != nil {
			return nil, err
		}
		b.UpdatedAt = time.UnixMilli(at)
		out = append(out, b)
	}
	return out, rows.Err()
}
