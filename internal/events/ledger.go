// Package events is the append-only record of every classified
// interaction and its eventual human disposition. Storage is one SQLite
// database per project, durable across restarts.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	KindRoute    = "ROUTE"
	KindUpdate   = "UPDATE"
	KindMisalign = "MISALIGN"
	KindQuestion = "QUESTION"
	KindPRNudge  = "PR_NUDGE"
)

const (
	DispositionApproved = "approved"
	DispositionRejected = "rejected"
)

const createEvents = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	kind TEXT NOT NULL,
	author TEXT NOT NULL,
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	permalink TEXT NOT NULL,
	disposition TEXT,
	decided_by TEXT
)
`

type Event struct {
	ID          int64
	Timestamp   string
	Kind        string
	Author      string
	Category    string
	Content     string
	Permalink   string
	Disposition string
	DecidedBy   string
}

// Ledger caches one connection per project and reuses it.
type Ledger struct {
	baseDir string
	mu      sync.Mutex
	conns   map[string]*sql.DB
}

func New(baseDir string) *Ledger {
	return &Ledger{
		baseDir: baseDir,
		conns:   make(map[string]*sql.DB),
	}
}

// Append inserts a new event and returns its ledger-assigned id.
func (l *Ledger) Append(ctx context.Context, project, kind, author, category, content, permalink string) (int64, error) {
	db, err := l.conn(project)
	if err != nil {
		return 0, err
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	result, err := db.ExecContext(ctx, `
		INSERT INTO events (timestamp, kind, author, category, content, permalink)
		VALUES (?, ?, ?, ?, ?, ?)
	`, timestamp, kind, author, category, content, permalink)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read event id: %w", err)
	}
	return id, nil
}

// SetDisposition records the human decision on one event. Touches only
// the disposition fields; calling it twice overwrites idempotently.
func (l *Ledger) SetDisposition(ctx context.Context, project string, eventID int64, disposition, decidedBy string) error {
	db, err := l.conn(project)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE events SET disposition = ?, decided_by = ? WHERE id = ?
	`, disposition, decidedBy, eventID); err != nil {
		return fmt.Errorf("update disposition: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first.
func (l *Ledger) List(ctx context.Context, project string, limit int) ([]Event, error) {
	db, err := l.conn(project)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, kind, author, category, content, permalink, disposition, decided_by
		FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var items []Event
	for rows.Next() {
		var event Event
		var disposition, decidedBy sql.NullString
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Kind, &event.Author, &event.Category, &event.Content, &event.Permalink, &disposition, &decidedBy); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Disposition = disposition.String
		event.DecidedBy = decidedBy.String
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for project, db := range l.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s events db: %w", project, err)
		}
		delete(l.conns, project)
	}
	return firstErr
}

func (l *Ledger) conn(project string) (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if db, ok := l.conns[project]; ok {
		return db, nil
	}

	dir := filepath.Join(l.baseDir, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	dsn := filepath.Join(dir, "events.db") + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	if _, err := db.Exec(createEvents); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	l.conns[project] = db
	return db, nil
}
