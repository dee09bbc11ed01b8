package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository implements Repository using modernc.org/sqlite (pure-Go,
// no CGO).
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteRepository{db: db}, nil
}

func (s *SQLiteRepository) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			exploration INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			plan_size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_model ON decisions(model)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			qos TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			regret_pct REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_records_timestamp ON cost_records(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_records_tenant ON cost_records(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS registry_snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version TEXT NOT NULL,
			manifest TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

// Decisions

func (s *SQLiteRepository) SaveDecision(ctx context.Context, d DecisionRecord) error {
	explInt := 0
	if d.Exploration {
		explInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (correlation_id, timestamp, model, provider, strategy, tenant_id, project_id, exploration, estimated_cost_usd, plan_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CorrelationID, d.Timestamp.UTC().Format(time.RFC3339Nano), d.Model, d.Provider,
		d.Strategy, d.TenantID, d.ProjectID, explInt, d.EstimatedCost, d.PlanSize)
	return err
}

func (s *SQLiteRepository) ListDecisions(ctx context.Context, limit, offset int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, timestamp, model, provider, strategy, tenant_id, project_id, exploration, estimated_cost_usd, plan_size
		 FROM decisions ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var ts string
		var explInt int
		if err := rows.Scan(&d.ID, &d.CorrelationID, &ts, &d.Model, &d.Provider, &d.Strategy,
			&d.TenantID, &d.ProjectID, &explInt, &d.EstimatedCost, &d.PlanSize); err != nil {
			return nil, err
		}
		d.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		d.Exploration = explInt != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// Cost records

func (s *SQLiteRepository) SaveCostRecord(ctx context.Context, r CostRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cost_records (correlation_id, timestamp, model, provider, tenant_id, project_id, qos, input_tokens, output_tokens, cost_usd, regret_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CorrelationID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Model, r.Provider,
		r.TenantID, r.ProjectID, r.QoS, r.InputTokens, r.OutputTokens, r.CostUSD, r.RegretPct)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteRepository) ListCostRecords(ctx context.Context, since time.Time, limit int) ([]CostRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, timestamp, model, provider, tenant_id, project_id, qos, input_tokens, output_tokens, cost_usd, regret_pct
		 FROM cost_records WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CostRecord
	for rows.Next() {
		var r CostRecord
		var ts string
		if err := rows.Scan(&r.ID, &r.CorrelationID, &ts, &r.Model, &r.Provider,
			&r.TenantID, &r.ProjectID, &r.QoS, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.RegretPct); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Registry snapshot

func (s *SQLiteRepository) SaveRegistry(ctx context.Context, version string, manifest []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registry_snapshot (id, version, manifest, saved_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, manifest=excluded.manifest, saved_at=excluded.saved_at`,
		version, string(manifest), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteRepository) LoadRegistry(ctx context.Context) (string, []byte, error) {
	var version, manifest string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, manifest FROM registry_snapshot WHERE id = 1`).Scan(&version, &manifest)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return version, []byte(manifest), nil
}

// Audit trail

func (s *SQLiteRepository) AppendAudit(ctx context.Context, entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteRepository) ListAudit(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Resource, &e.Detail, &e.RequestID); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
