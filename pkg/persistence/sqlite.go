package persistence

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

	"github.com/3leaps/gobatch/pkg/job"
)

// SQLiteConfig locates the task database.
type SQLiteConfig struct {
	// Path is a local file, ":memory:", or a file: DSN.
	Path string
}

// SQLiteStore keeps tasks in a single SQLite table with the serialized task
// as payload and a few columns for listing.
type SQLiteStore struct {
	db  *sql.DB
	ids *identityMap
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database and applies migrations.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn, err := buildDSN(cfg.Path)
	if err != nil {
		return nil, err
	}
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, ids: newIdentityMap(), now: time.Now}, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("task store path is required")
	case path == ":memory:", strings.HasPrefix(path, "file:"):
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
		return "", fmt.Errorf("create task store directory: %w", err)
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, t *job.Task) (string, error) {
	if err := assignID(t); err != nil {
		return "", err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	rec := recordOf(t)
	now := s.now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, state, resource, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   state = excluded.state,
		   resource = excluded.resource,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.State.String(), rec.Resource, string(payload), now, now)
	if err != nil {
		return "", fmt.Errorf("save task %s: %w", t.ID, err)
	}
	s.ids.set(t)
	return t.ID, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*job.Task, error) {
	if t, ok := s.ids.get(id); ok {
		return t, nil
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM tasks WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	t := new(job.Task)
	if err := json.Unmarshal([]byte(payload), t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.ID = id
	return s.ids.put(t), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, resource, created_at, updated_at FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec              Record
			state            string
			resource         sql.NullString
			created, updated string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &state, &resource, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if rec.State, err = job.ParseState(state); err != nil {
			return nil, fmt.Errorf("task %s: %w", rec.ID, err)
		}
		rec.Resource = resource.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	s.ids.drop(id)
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
