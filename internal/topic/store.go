// Package topic provides the durable record of topic-to-session mappings,
// per-topic statistics, and an append-only lifecycle event log.
package topic

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kansup/kansup/internal/common/sqlite"
)

// Status is a topic mapping's lifecycle status.
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusDeleted Status = "deleted"
)

// Mapping is the durable (chatID, topicID) -> session binding.
type Mapping struct {
	ChatID           int64
	TopicID          int
	TopicName        string
	SessionID        string
	WorkDir          string
	StreamingEnabled bool
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
	CreatorUserID    int64
	IconColor        int
	IconEmojiID      string
}

// Stats is the per-mapping counters updated on send and on agent events.
type Stats struct {
	ChatID        int64
	TopicID       int
	MessageCount  int
	LastMessageAt *time.Time
	ToolCalls     int
	ErrorCount    int
}

// EventType enumerates the append-only topic event log's event kinds.
type EventType string

const (
	EventCreated  EventType = "created"
	EventClosed   EventType = "closed"
	EventReopened EventType = "reopened"
	EventRenamed  EventType = "renamed"
	EventDeleted  EventType = "deleted"
	EventMessage  EventType = "message"
	EventLinked   EventType = "linked"
)

// Event is one append-only log entry.
type Event struct {
	ID           int64
	ChatID       int64
	TopicID      int
	Type         EventType
	Timestamp    time.Time
	UserID       int64
	MetadataJSON string
}

// Store is the topic registry's local, write-ahead-logged SQLite store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the topic store at dbPath in WAL mode.
func Open(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_journal_mode=WAL", normalized)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open topic store: %w", err)
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
	CREATE TABLE IF NOT EXISTS topic_mappings (
		chat_id INTEGER NOT NULL,
		topic_id INTEGER NOT NULL,
		topic_name TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		work_dir TEXT DEFAULT '',
		streaming_enabled INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		closed_at DATETIME,
		creator_user_id INTEGER DEFAULT 0,
		icon_color INTEGER DEFAULT 0,
		icon_emoji_id TEXT DEFAULT '',
		PRIMARY KEY (chat_id, topic_id)
	);

	CREATE INDEX IF NOT EXISTS idx_topic_mappings_session_id ON topic_mappings(session_id);
	CREATE INDEX IF NOT EXISTS idx_topic_mappings_status ON topic_mappings(status);

	CREATE TABLE IF NOT EXISTS topic_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		topic_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		user_id INTEGER DEFAULT 0,
		metadata_json TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_topic_events_topic ON topic_events(chat_id, topic_id);

	CREATE TABLE IF NOT EXISTS topic_stats (
		chat_id INTEGER NOT NULL,
		topic_id INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_message_at DATETIME,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, topic_id),
		FOREIGN KEY (chat_id, topic_id) REFERENCES topic_mappings(chat_id, topic_id) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// icon_color/icon_emoji_id were added after the original table shape
	// shipped; existing databases need them backfilled in place.
	for _, col := range []struct{ name, def string }{
		{"icon_color", "INTEGER DEFAULT 0"},
		{"icon_emoji_id", "TEXT DEFAULT ''"},
	} {
		if err := sqlite.EnsureColumn(s.db, "topic_mappings", col.name, col.def); err != nil {
			return fmt.Errorf("ensure column %s: %w", col.name, err)
		}
	}
	return nil
}

// CreateMapping inserts a new mapping and seeds its stats row.
func (s *Store) CreateMapping(m *Mapping) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = StatusActive
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	streaming := sqlite.BoolToInt(m.StreamingEnabled)
	_, err = tx.Exec(`
		INSERT INTO topic_mappings (chat_id, topic_id, topic_name, session_id, work_dir,
			streaming_enabled, status, created_at, updated_at, creator_user_id, icon_color, icon_emoji_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.TopicID, m.TopicName, m.SessionID, m.WorkDir, streaming, string(m.Status),
		m.CreatedAt, m.UpdatedAt, m.CreatorUserID, m.IconColor, m.IconEmojiID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO topic_stats (chat_id, topic_id) VALUES (?, ?)`,
		m.ChatID, m.TopicID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetMapping fetches one mapping by its (chatID, topicID) primary key.
func (s *Store) GetMapping(chatID int64, topicID int) (*Mapping, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, topic_id, topic_name, session_id, work_dir, streaming_enabled, status,
			created_at, updated_at, closed_at, creator_user_id, icon_color, icon_emoji_id
		FROM topic_mappings WHERE chat_id = ? AND topic_id = ?`, chatID, topicID)
	return scanMapping(row)
}

// GetMappingBySession fetches the mapping currently bound to sessionID, if any.
func (s *Store) GetMappingBySession(sessionID string) (*Mapping, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, topic_id, topic_name, session_id, work_dir, streaming_enabled, status,
			created_at, updated_at, closed_at, creator_user_id, icon_color, icon_emoji_id
		FROM topic_mappings WHERE session_id = ?`, sessionID)
	return scanMapping(row)
}

// ListActive returns every mapping with status = active.
func (s *Store) ListActive() ([]*Mapping, error) {
	rows, err := s.db.Query(`
		SELECT chat_id, topic_id, topic_name, session_id, work_dir, streaming_enabled, status,
			created_at, updated_at, closed_at, creator_user_id, icon_color, icon_emoji_id
		FROM topic_mappings WHERE status = ?`, string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMappingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateSession rebinds a mapping's sessionID, e.g. when a placeholder
// sessionID is promoted to the real one discovered at instance-ready.
func (s *Store) UpdateSession(chatID int64, topicID int, sessionID string) error {
	_, err := s.db.Exec(`UPDATE topic_mappings SET session_id = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		sessionID, time.Now().UTC(), chatID, topicID)
	return err
}

// UpdateStatus transitions a mapping's status, stamping closed_at when
// transitioning to closed.
func (s *Store) UpdateStatus(chatID int64, topicID int, status Status) error {
	now := time.Now().UTC()
	if status == StatusClosed {
		_, err := s.db.Exec(`UPDATE topic_mappings SET status = ?, closed_at = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
			string(status), now, now, chatID, topicID)
		return err
	}
	_, err := s.db.Exec(`UPDATE topic_mappings SET status = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		string(status), now, chatID, topicID)
	return err
}

// UpdateStreaming toggles a mapping's streaming preference.
func (s *Store) UpdateStreaming(chatID int64, topicID int, enabled bool) error {
	_, err := s.db.Exec(`UPDATE topic_mappings SET streaming_enabled = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		sqlite.BoolToInt(enabled), time.Now().UTC(), chatID, topicID)
	return err
}

// UpdateWorkDir rebinds a mapping's workDir, used on topic re-link.
func (s *Store) UpdateWorkDir(chatID int64, topicID int, workDir string) error {
	_, err := s.db.Exec(`UPDATE topic_mappings SET work_dir = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?`,
		workDir, time.Now().UTC(), chatID, topicID)
	return err
}

// DeleteMapping removes a mapping and its stats row.
func (s *Store) DeleteMapping(chatID int64, topicID int) error {
	_, err := s.db.Exec(`DELETE FROM topic_mappings WHERE chat_id = ? AND topic_id = ?`, chatID, topicID)
	return err
}

// RecordMessage increments message_count and advances last_message_at.
func (s *Store) RecordMessage(chatID int64, topicID int) error {
	_, err := s.db.Exec(`
		UPDATE topic_stats SET message_count = message_count + 1, last_message_at = ?
		WHERE chat_id = ? AND topic_id = ?`, time.Now().UTC(), chatID, topicID)
	return err
}

// RecordToolCall increments tool_calls.
func (s *Store) RecordToolCall(chatID int64, topicID int) error {
	_, err := s.db.Exec(`UPDATE topic_stats SET tool_calls = tool_calls + 1 WHERE chat_id = ? AND topic_id = ?`,
		chatID, topicID)
	return err
}

// RecordError increments error_count.
func (s *Store) RecordError(chatID int64, topicID int) error {
	_, err := s.db.Exec(`UPDATE topic_stats SET error_count = error_count + 1 WHERE chat_id = ? AND topic_id = ?`,
		chatID, topicID)
	return err
}

// GetStats fetches a mapping's stats row.
func (s *Store) GetStats(chatID int64, topicID int) (*Stats, error) {
	var st Stats
	var lastMessageAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT chat_id, topic_id, message_count, last_message_at, tool_calls, error_count
		FROM topic_stats WHERE chat_id = ? AND topic_id = ?`, chatID, topicID).
		Scan(&st.ChatID, &st.TopicID, &st.MessageCount, &lastMessageAt, &st.ToolCalls, &st.ErrorCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		st.LastMessageAt = &t
	}
	return &st, nil
}

// AppendEvent appends one entry to the topic event log.
func (s *Store) AppendEvent(e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO topic_events (chat_id, topic_id, event_type, timestamp, user_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ChatID, e.TopicID, string(e.Type), e.Timestamp, e.UserID, e.MetadataJSON)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		e.ID = id
	}
	return nil
}

// FindIdleMappings returns active mappings whose last activity predates
// the cutoff: both the stats row's last_message_at and the mapping's own
// updated_at must be older than cutoff, so a mapping that was just renamed
// or relinked isn't swept even with no new messages.
func (s *Store) FindIdleMappings(cutoff time.Time) ([]*Mapping, error) {
	rows, err := s.db.Query(`
		SELECT m.chat_id, m.topic_id, m.topic_name, m.session_id, m.work_dir, m.streaming_enabled,
			m.status, m.created_at, m.updated_at, m.closed_at, m.creator_user_id, m.icon_color, m.icon_emoji_id
		FROM topic_mappings m
		JOIN topic_stats s ON s.chat_id = m.chat_id AND s.topic_id = m.topic_id
		WHERE m.status = ?
			AND (s.last_message_at IS NULL OR s.last_message_at < ?)
			AND m.updated_at < ?`,
		string(StatusActive), cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Mapping
	for rows.Next() {
		m, err := scanMappingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row *sql.Row) (*Mapping, error) {
	m, err := scanMappingRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMappingRows(sc scanner) (*Mapping, error) {
	var m Mapping
	var status string
	var streaming int
	var closedAt sql.NullTime

	err := sc.Scan(&m.ChatID, &m.TopicID, &m.TopicName, &m.SessionID, &m.WorkDir, &streaming, &status,
		&m.CreatedAt, &m.UpdatedAt, &closedAt, &m.CreatorUserID, &m.IconColor, &m.IconEmojiID)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.StreamingEnabled = streaming != 0
	if closedAt.Valid {
		t := closedAt.Time
		m.ClosedAt = &t
	}
	return &m, nil
}
