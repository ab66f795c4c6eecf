// Package store provides the durable SQLite-backed record of instance
// configurations, ports, and last-known state for the orchestrator.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kansup/kansup/internal/common/sqlite"
)

// State is an instance's lifecycle state, as defined in the data model.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

// Record is the durable row for one instance.
type Record struct {
	InstanceID     string
	TopicID        int
	Port           int
	WorkDir        string
	Name           string
	SessionID      string
	State          State
	PID            int
	StartedAt      *time.Time
	LastActivityAt *time.Time
	RestartCount   int
	LastError      string
	EnvJSON        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PortAllocationRecord mirrors a held port for crash-safe recovery.
type PortAllocationRecord struct {
	Port        int
	InstanceID  string
	AllocatedAt time.Time
}

// Store is the orchestrator's local, write-ahead-logged SQLite store.
// Every write is expected to run on the orchestrator's control goroutine;
// Store itself adds no additional locking beyond what database/sql and
// SQLite's single-writer constraint already provide.
type Store struct {
	db *sql.DB
}

// Open creates or opens the orchestrator store at dbPath, enabling WAL mode
// and enforcing the single-writer connection pool SQLite requires.
func Open(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_journal_mode=WAL", normalized)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open orchestrator store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		instance_id TEXT PRIMARY KEY,
		topic_id INTEGER NOT NULL,
		port INTEGER NOT NULL,
		work_dir TEXT NOT NULL,
		name TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		state TEXT NOT NULL,
		pid INTEGER DEFAULT 0,
		started_at DATETIME,
		last_activity_at DATETIME,
		restart_count INTEGER NOT NULL DEFAULT 0,
		env_json TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_topic_id ON instances(topic_id);
	CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state);

	CREATE TABLE IF NOT EXISTS port_allocations (
		port INTEGER PRIMARY KEY,
		instance_id TEXT NOT NULL,
		allocated_at DATETIME NOT NULL,
		FOREIGN KEY (instance_id) REFERENCES instances(instance_id) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// last_error was added after the original table shape shipped; existing
	// databases need it backfilled in place rather than recreated.
	return sqlite.EnsureColumn(s.db, "instances", "last_error", "TEXT DEFAULT ''")
}

// Upsert inserts or replaces the instance record.
func (s *Store) Upsert(r *Record) error {
	envJSON := r.EnvJSON
	if envJSON == "" {
		envJSON = "{}"
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO instances (instance_id, topic_id, port, work_dir, name, session_id, state, pid,
			started_at, last_activity_at, restart_count, last_error, env_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			topic_id=excluded.topic_id, port=excluded.port, work_dir=excluded.work_dir,
			name=excluded.name, session_id=excluded.session_id, state=excluded.state,
			pid=excluded.pid, started_at=excluded.started_at, last_activity_at=excluded.last_activity_at,
			restart_count=excluded.restart_count, last_error=excluded.last_error,
			env_json=excluded.env_json, updated_at=excluded.updated_at
	`, r.InstanceID, r.TopicID, r.Port, r.WorkDir, r.Name, r.SessionID, string(r.State), r.PID,
		r.StartedAt, r.LastActivityAt, r.RestartCount, r.LastError, envJSON, r.CreatedAt, r.UpdatedAt)
	return err
}

// Get fetches one instance record by ID.
func (s *Store) Get(instanceID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT instance_id, topic_id, port, work_dir, name, session_id, state, pid,
			started_at, last_activity_at, restart_count, last_error, env_json, created_at, updated_at
		FROM instances WHERE instance_id = ?`, instanceID)
	return scanRecord(row)
}

// GetByTopic fetches the instance record bound to a topic, if any.
func (s *Store) GetByTopic(topicID int) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT instance_id, topic_id, port, work_dir, name, session_id, state, pid,
			started_at, last_activity_at, restart_count, last_error, env_json, created_at, updated_at
		FROM instances WHERE topic_id = ?`, topicID)
	return scanRecord(row)
}

// ListByState returns every instance currently in one of the given states.
func (s *Store) ListByState(states ...State) ([]*Record, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]interface{}, 0, len(states))
	for i, st := range states {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT instance_id, topic_id, port, work_dir, name, session_id, state, pid,
			started_at, last_activity_at, restart_count, last_error, env_json, created_at, updated_at
		FROM instances WHERE state IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkStaleAsCrashed transitions every instance left in running/starting/stopping
// to crashed; used once at startup before recovery attempts restarts.
func (s *Store) MarkStaleAsCrashed() (int, error) {
	res, err := s.db.Exec(`
		UPDATE instances SET state = ?, updated_at = ?
		WHERE state IN (?, ?, ?)`,
		string(StateCrashed), time.Now().UTC(), string(StateRunning), string(StateStarting), string(StateStopping))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IncrementRestartCount bumps restart_count by one and returns the new value.
func (s *Store) IncrementRestartCount(instanceID string) (int, error) {
	_, err := s.db.Exec(`UPDATE instances SET restart_count = restart_count + 1, updated_at = ? WHERE instance_id = ?`,
		time.Now().UTC(), instanceID)
	if err != nil {
		return 0, err
	}
	rec, err := s.Get(instanceID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("instance %s not found after increment", instanceID)
	}
	return rec.RestartCount, nil
}

// Delete removes an instance record entirely.
func (s *Store) Delete(instanceID string) error {
	_, err := s.db.Exec(`DELETE FROM instances WHERE instance_id = ?`, instanceID)
	return err
}

// UpsertPortAllocation mirrors a port allocation for recovery.
func (s *Store) UpsertPortAllocation(port int, instanceID string) error {
	_, err := s.db.Exec(`
		INSERT INTO port_allocations (port, instance_id, allocated_at) VALUES (?, ?, ?)
		ON CONFLICT(port) DO UPDATE SET instance_id = excluded.instance_id`,
		port, instanceID, time.Now().UTC())
	return err
}

// DeletePortAllocation removes a mirrored port allocation.
func (s *Store) DeletePortAllocation(port int) error {
	_, err := s.db.Exec(`DELETE FROM port_allocations WHERE port = ?`, port)
	return err
}

// ListPortAllocations returns every mirrored port allocation, used to seed
// the in-memory PortPool before recovery issues any new allocation.
func (s *Store) ListPortAllocations() ([]PortAllocationRecord, error) {
	rows, err := s.db.Query(`SELECT port, instance_id, allocated_at FROM port_allocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PortAllocationRecord
	for rows.Next() {
		var rec PortAllocationRecord
		if err := rows.Scan(&rec.Port, &rec.InstanceID, &rec.AllocatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	r, err := scanRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanRows(sc scanner) (*Record, error) {
	var r Record
	var state string
	var startedAt, lastActivityAt sql.NullTime
	var pid sql.NullInt64
	var lastError sql.NullString

	err := sc.Scan(&r.InstanceID, &r.TopicID, &r.Port, &r.WorkDir, &r.Name, &r.SessionID, &state, &pid,
		&startedAt, &lastActivityAt, &r.RestartCount, &lastError, &r.EnvJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.State = State(state)
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	if lastError.Valid {
		r.LastError = lastError.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if lastActivityAt.Valid {
		t := lastActivityAt.Time
		r.LastActivityAt = &t
	}
	return &r, nil
}

// EncodeEnv serializes an env override map for persistence.
func EncodeEnv(env map[string]string) string {
	if len(env) == 0 {
		return "{}"
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeEnv deserializes a persisted env override map.
func DecodeEnv(envJSON string) map[string]string {
	if envJSON == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(envJSON), &m); err != nil {
		return nil
	}
	return m
}
