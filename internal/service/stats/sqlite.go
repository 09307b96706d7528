package stats

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
)

const eventSessionEnd = "SESSION_END"

// Event 一条本地统计记录。
type Event struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SQLiteRecorder appends usage events to a local database.
type SQLiteRecorder struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "gateway-stats.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &SQLiteRecorder{db: db, now: time.Now}
	if err := r.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRecorder) init() error {
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create usage_events table: %w", err)
	}
	if _, err := r.db.Exec("CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id, created_at)"); err != nil {
		return fmt.Errorf("create usage_events index: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

func (r *SQLiteRecorder) Record(ctx context.Context, unit usage.Unit) error {
	return r.insert(ctx, unit.UserID, unit.SessionID, string(unit.Kind), unit.Amount, "")
}

func (r *SQLiteRecorder) EndSession(ctx context.Context, userID, sessionID, reason string) error {
	return r.insert(ctx, userID, sessionID, eventSessionEnd, 0, reason)
}

func (r *SQLiteRecorder) insert(ctx context.Context, userID, sessionID, kind string, amount int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_events (user_id, session_id, kind, amount, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, sessionID, kind, amount, reason, r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// ListByUser returns a user's events, oldest first.
func (r *SQLiteRecorder) ListByUser(ctx context.Context, userID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, kind, amount, reason, created_at FROM usage_events WHERE user_id = ? ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Kind, &e.Amount, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		events = append(events, e)
	}
	return events, rows.Err()
}
