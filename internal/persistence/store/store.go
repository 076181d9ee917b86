// Package store is the durable record of a run: participants and credits,
// the chat log, the task ledger, and system events. Single sqlite connection
// in WAL mode.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNoActiveTask  = errors.New("no active task for session")
	ErrTaskNotPayble = errors.New("task is not in a payable state")
	ErrNotFound      = errors.New("not found")
)

// Task lifecycle states.
const (
	TaskRequested = "requested"
	TaskActive    = "active"
	TaskSubmitted = "submitted"
	TaskPaid      = "paid"
)

type ChatRecord struct {
	ID        int64
	Session   int
	Sender    string
	Role      string
	Content   string
	Panic     bool
	Optimized bool
	Reported  bool
	CreatedAt time.Time
}

type Task struct {
	ID          int64
	Session     int
	Description string
	Submission  string
	Status      string
	Reward      int64
	Rating      int
	CreatedAt   time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			role TEXT NOT NULL,
			unit INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			credits INTEGER NOT NULL DEFAULT 0,
			locked INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (role, unit)
		);`,
		`CREATE TABLE IF NOT EXISTS chat_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session INTEGER NOT NULL,
			sender TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			panic INTEGER NOT NULL DEFAULT 0,
			optimized INTEGER NOT NULL DEFAULT 0,
			reported INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_log_session ON chat_log (session, id);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session INTEGER NOT NULL,
			description TEXT NOT NULL,
			submission TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			reward INTEGER NOT NULL,
			rating INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS tasks_session ON tasks (session, id);`,
		`CREATE TABLE IF NOT EXISTS system_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// EnsureParticipant creates the credits row on first connect and refreshes the
// display name on later ones.
func (s *Store) EnsureParticipant(ctx context.Context, role string, unit int, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (role, unit, name) VALUES (?, ?, ?)
		ON CONFLICT (role, unit) DO UPDATE SET name = excluded.name`,
		role, unit, name)
	return err
}

func (s *Store) Credits(ctx context.Context, role string, unit int) (int64, error) {
	var c int64
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM participants WHERE role = ? AND unit = ?`, role, unit).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return c, err
}

// SetLocked flips the purgatory flag: a locked participant keeps its tasks but
// loses chat until an observer clears the debt.
func (s *Store) SetLocked(ctx context.Context, role string, unit int, locked bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (role, unit, locked) VALUES (?, ?, ?)
		ON CONFLICT (role, unit) DO UPDATE SET locked = excluded.locked`,
		role, unit, locked)
	return err
}

func (s *Store) Locked(ctx context.Context, role string, unit int) (bool, error) {
	var locked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT locked FROM participants WHERE role = ? AND unit = ?`, role, unit).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return locked, err
}

func (s *Store) AppendChat(ctx context.Context, rec ChatRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_log (session, sender, role, content, panic, optimized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Session, rec.Sender, rec.Role, rec.Content, rec.Panic, rec.Optimized, now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// History returns the most recent chat lines for a session in chronological
// order. limit <= 0 means everything.
func (s *Store) History(ctx context.Context, session, limit int) ([]ChatRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session, sender, role, content, panic, optimized, reported, created_at
		FROM (
			SELECT * FROM chat_log WHERE session = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var rec ChatRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.Session, &rec.Sender, &rec.Role, &rec.Content,
			&rec.Panic, &rec.Optimized, &rec.Reported, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Chat(ctx context.Context, id int64) (ChatRecord, error) {
	var rec ChatRecord
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session, sender, role, content, panic, optimized, reported, created_at
		FROM chat_log WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Session, &rec.Sender, &rec.Role, &rec.Content,
			&rec.Panic, &rec.Optimized, &rec.Reported, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return rec, nil
}

func (s *Store) MarkReported(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_log SET reported = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) CreateTask(ctx context.Context, session int, description string, reward int64) (Task, error) {
	t := Task{
		Session:     session,
		Description: description,
		Status:      TaskRequested,
		Reward:      reward,
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (session, description, status, reward, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.Session, t.Description, t.Status, t.Reward, now())
	if err != nil {
		return t, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

// ActiveTask returns the session's newest task that is not yet paid.
func (s *Store) ActiveTask(ctx context.Context, session int) (Task, error) {
	var t Task
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session, description, submission, status, reward, rating, created_at
		FROM tasks WHERE session = ? AND status != ? ORDER BY id DESC LIMIT 1`,
		session, TaskPaid).
		Scan(&t.ID, &t.Session, &t.Description, &t.Submission, &t.Status, &t.Reward, &t.Rating, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNoActiveTask
	}
	if err != nil {
		return t, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return t, nil
}

func (s *Store) Task(ctx context.Context, id int64) (Task, error) {
	var t Task
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session, description, submission, status, reward, rating, created_at
		FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Session, &t.Description, &t.Submission, &t.Status, &t.Reward, &t.Rating, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return t, nil
}

func (s *Store) ApproveTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		TaskActive, id, TaskRequested)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SubmitTask(ctx context.Context, id int64, submission string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, submission = ? WHERE id = ? AND status = ?`,
		TaskSubmitted, submission, id, TaskActive)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PayTask settles a task that is active or submitted: status flips to paid and
// the session's subject is credited the net amount, in one transaction. Either
// both happen or neither.
func (s *Store) PayTask(ctx context.Context, id int64, rating int, net int64) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	var t Task
	err = tx.QueryRowContext(ctx,
		`SELECT id, session, description, submission, status, reward, rating FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Session, &t.Description, &t.Submission, &t.Status, &t.Reward, &t.Rating)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if t.Status != TaskSubmitted && t.Status != TaskActive {
		return Task{}, ErrTaskNotPayble
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, rating = ? WHERE id = ?`, TaskPaid, rating, id); err != nil {
		return Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO participants (role, unit, credits) VALUES ('subject', ?, ?)
		ON CONFLICT (role, unit) DO UPDATE SET credits = credits + excluded.credits`,
		t.Session, net); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	t.Status = TaskPaid
	t.Rating = rating
	return t, nil
}

func (s *Store) AppendSystemEvent(ctx context.Context, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_log (kind, detail, created_at) VALUES (?, ?, ?)`,
		kind, detail, now())
	return err
}
