// Package ledger is the durable record of improvement cycles. It is the
// only state that survives cycle boundaries and process restarts.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"autoforge/internal/cycle"
)

// Ledger persists cycle records and stage events in sqlite. Writes touch
// one cycle at a time; reads are concurrent and may observe a snapshot of
// an in-progress cycle.
type Ledger struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	logger *zap.Logger
}

// Open creates or opens the cycle ledger under stateDir.
func Open(stateDir string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dbPath := filepath.Join(stateDir, "cycles.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	l := &Ledger{db: db, dbPath: dbPath, logger: logger}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.dbPath
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		attempts INTEGER NOT NULL DEFAULT 0,
		publish_url TEXT,
		failure_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
	CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);

	CREATE TABLE IF NOT EXISTS cycle_stages (
		cycle_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		payload_json TEXT,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (cycle_id, stage)
	);

	CREATE TABLE IF NOT EXISTS cycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		stage TEXT,
		attempt INTEGER,
		detail TEXT,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_cycle ON cycle_events(cycle_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// StartCycle allocates a new cycle record in the running state and returns
// its ID.
func (l *Ledger) StartCycle() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewString()
	_, err := l.db.Exec(
		`INSERT INTO cycles (id, status, started_at) VALUES (?, ?, ?)`,
		id, "running", time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start cycle: %w", err)
	}
	l.logger.Info("cycle started", zap.String("cycle_id", id))
	return id, nil
}

// RecordStage stores (or overwrites) the payload for a stage of a cycle.
// The externally visible phase is derived from which stages have payloads,
// so there is no separate phase column to keep in sync.
func (l *Ledger) RecordStage(cycleID string, stage cycle.Stage, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode stage payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(
		`INSERT INTO cycle_stages (cycle_id, stage, payload_json, recorded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cycle_id, stage) DO UPDATE SET payload_json = excluded.payload_json, recorded_at = excluded.recorded_at`,
		cycleID, string(stage), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", stage, err)
	}
	return nil
}

// RecordError appends an error event. The cycle's stage payloads are left
// untouched.
func (l *Ledger) RecordError(cycleID string, stage cycle.Stage, attempt int, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO cycle_events (cycle_id, kind, stage, attempt, detail, recorded_at) VALUES (?, 'error', ?, ?, ?, ?)`,
		cycleID, string(stage), attempt, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordInteraction appends a structured record of one collaborator call.
func (l *Ledger) RecordInteraction(cycleID, collaborator, requestDigest, responseDigest string) error {
	detail, err := json.Marshal(map[string]string{
		"collaborator": collaborator,
		"request":      requestDigest,
		"response":     responseDigest,
	})
	if err != nil {
		return fmt.Errorf("failed to encode interaction: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(
		`INSERT INTO cycle_events (cycle_id, kind, detail, recorded_at) VALUES (?, 'interaction', ?, ?)`,
		cycleID, string(detail), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

// RecordAttempts updates the fix-attempt counter on the cycle row.
func (l *Ledger) RecordAttempts(cycleID string, attempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`UPDATE cycles SET attempts = ? WHERE id = ?`, attempts, cycleID)
	if err != nil {
		return fmt.Errorf("failed to record attempts: %w", err)
	}
	return nil
}

// EndCycle closes a cycle with a terminal status and optional failure
// reason and publish URL. Durable on return.
func (l *Ledger) EndCycle(cycleID string, status cycle.Stage, reason, publishURL string) error {
	if !status.Terminal() {
		return fmt.Errorf("EndCycle requires a terminal stage, got %s", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec(
		`UPDATE cycles SET status = ?, ended_at = ?, failure_reason = ?, publish_url = ? WHERE id = ?`,
		string(status), time.Now().UTC(), nullable(reason), nullable(publishURL), cycleID,
	)
	if err != nil {
		return fmt.Errorf("failed to end cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown cycle: %s", cycleID)
	}
	l.logger.Info("cycle ended",
		zap.String("cycle_id", cycleID),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Status is the externally visible view of one cycle.
type Status struct {
	CycleID       string     `json:"cycle_id"`
	Status        string     `json:"status"`
	Phase         string     `json:"phase,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Duration      string     `json:"duration,omitempty"`
	Attempts      int        `json:"attempts"`
	PublishURL    string     `json:"publish_url,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

// GetStatus returns the status of one cycle, or of the most recent cycle
// when cycleID is empty.
func (l *Ledger) GetStatus(cycleID string) (*Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := `SELECT id, status, started_at, ended_at, attempts, publish_url, failure_reason FROM cycles`
	var row *sql.Row
	if cycleID == "" {
		row = l.db.QueryRow(query + ` ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	} else {
		row = l.db.QueryRow(query+` WHERE id = ?`, cycleID)
	}

	st, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return &Status{Status: string(cycle.StageIdle)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cycle status: %w", err)
	}

	if st.EndTime == nil {
		phase, err := l.derivePhase(st.CycleID)
		if err != nil {
			return nil, err
		}
		st.Phase = phase
	} else {
		st.Duration = st.EndTime.Sub(st.StartTime).Round(time.Millisecond).String()
	}

	errs, err := l.cycleErrors(st.CycleID)
	if err != nil {
		return nil, err
	}
	st.Errors = errs
	return st, nil
}

func scanStatus(row *sql.Row) (*Status, error) {
	var st Status
	var endedAt sql.NullTime
	var publishURL, failureReason sql.NullString
	err := row.Scan(&st.CycleID, &st.Status, &st.StartTime, &endedAt, &st.Attempts, &publishURL, &failureReason)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		st.EndTime = &t
	}
	st.PublishURL = publishURL.String
	st.FailureReason = failureReason.String
	return &st, nil
}

// derivePhase computes the visible phase purely from which stage payloads
// exist for the cycle.
func (l *Ledger) derivePhase(cycleID string) (string, error) {
	rows, err := l.db.Query(`SELECT stage FROM cycle_stages WHERE cycle_id = ?`, cycleID)
	if err != nil {
		return "", fmt.Errorf("failed to read stages: %w", err)
	}
	defer rows.Close()

	recorded := make(map[cycle.Stage]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return "", err
		}
		recorded[cycle.Stage(s)] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	// Latest recorded stage wins, in pipeline order.
	order := []cycle.Stage{
		cycle.StagePublishing,
		cycle.StageFixing,
		cycle.StageValidating,
		cycle.StageImplementing,
		cycle.StageProposing,
		cycle.StageAnalyzing,
	}
	for _, s := range order {
		if recorded[s] {
			return string(s), nil
		}
	}
	return string(cycle.StageAnalyzing), nil
}

func (l *Ledger) cycleErrors(cycleID string) ([]string, error) {
	rows, err := l.db.Query(
		`SELECT detail FROM cycle_events WHERE cycle_id = ? AND kind = 'error' ORDER BY id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to read errors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StageCount returns how many error/stage events of a given stage exist for
// a cycle. Used by status reporting and tests to inspect fix-loop history.
func (l *Ledger) StageCount(cycleID string, stage cycle.Stage, kind string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM cycle_events WHERE cycle_id = ? AND stage = ? AND kind = ?`,
		cycleID, string(stage), kind).Scan(&n)
	return n, err
}

// FixAttempts returns the recorded fix-attempt events for a cycle in order.
func (l *Ledger) FixAttempts(cycleID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rows, err := l.db.Query(
		`SELECT detail FROM cycle_events WHERE cycle_id = ? AND kind = 'fix_attempt' ORDER BY id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to read fix attempts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordFixAttempt appends one fix-loop iteration with its violation list.
func (l *Ledger) RecordFixAttempt(cycleID string, attempt int, violations []string) error {
	detail, err := json.Marshal(map[string]any{
		"attempt":    attempt,
		"violations": violations,
	})
	if err != nil {
		return fmt.Errorf("failed to encode fix attempt: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(
		`INSERT INTO cycle_events (cycle_id, kind, stage, attempt, detail, recorded_at) VALUES (?, 'fix_attempt', ?, ?, ?, ?)`,
		cycleID, string(cycle.StageFixing), attempt, string(detail), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record fix attempt: %w", err)
	}
	return nil
}

// GetHistory returns closed cycles, most recent first.
func (l *Ledger) GetHistory(limit int) ([]Status, error) {
	if limit <= 0 {
		limit = 20
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(
		`SELECT id, status, started_at, ended_at, attempts, publish_url, failure_reason
		 FROM cycles WHERE ended_at IS NOT NULL
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var st Status
		var endedAt sql.NullTime
		var publishURL, failureReason sql.NullString
		if err := rows.Scan(&st.CycleID, &st.Status, &st.StartTime, &endedAt, &st.Attempts, &publishURL, &failureReason); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			t := endedAt.Time
			st.EndTime = &t
			st.Duration = t.Sub(st.StartTime).Round(time.Millisecond).String()
		}
		st.PublishURL = publishURL.String
		st.FailureReason = failureReason.String
		out = append(out, st)
	}
	return out, rows.Err()
}
