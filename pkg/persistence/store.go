// Package persistence saves tasks between controller runs.
//
// A Store hands out stable ids (UUIDv7, so they sort by creation time) and
// keeps an identity map: loading the same id twice from one Store yields the
// same *job.Task. Loaded tasks are detached; the caller re-attaches them to a
// backend by resource name.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gobatch/pkg/job"
)

// ErrNotFound indicates no task is stored under the id.
var ErrNotFound = errors.New("task not found")

// Kinds of stores understood by Open.
const (
	KindSQLite = "sqlite"
	KindFile   = "file"
)

// Record is the index entry of a stored task.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     job.State `json:"state"`
	Resource  string    `json:"resource,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists tasks.
type Store interface {
	// Save writes t, assigning an id first when t has none, and returns the id.
	Save(ctx context.Context, t *job.Task) (string, error)

	// Load returns the task stored under id, detached from any backend.
	Load(ctx context.Context, id string) (*job.Task, error)

	// List returns the index of stored tasks, oldest first.
	List(ctx context.Context) ([]Record, error)

	// Remove deletes the task. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error

	Close() error
}

// Open returns a store of the given kind rooted at dir.
func Open(ctx context.Context, kind, dir string) (Store, error) {
	switch kind {
	case "", KindSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: dir + "/tasks.db"})
	case KindFile:
		return OpenFileStore(dir)
	}
	return nil, fmt.Errorf("%w: unknown session store %q", job.ErrConfiguration, kind)
}

// NewID returns a fresh task id.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return id.String(), nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func recordOf(t *job.Task) Record {
	return Record{
		ID:       t.ID,
		Name:     t.Name(),
		State:    t.State(),
		Resource: t.Execution.ResourceName,
	}
}

// identityMap caches the tasks a store has handed out or saved.
type identityMap struct {
	mu    sync.Mutex
	tasks map[string]*job.Task
}

func newIdentityMap() *identityMap {
	return &identityMap{tasks: make(map[string]*job.Task)}
}

func (m *identityMap) get(id string) (*job.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// put registers t unless another task already holds the id, and returns the
// registered one.
func (m *identityMap) put(t *job.Task) *job.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[t.ID]; ok {
		return existing
	}
	m.tasks[t.ID] = t
	return t
}

func (m *identityMap) set(t *job.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *identityMap) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// assignID gives t an id if it has none.
func assignID(t *job.Task) error {
	if t.ID != "" {
		if !validID(t.ID) {
			return fmt.Errorf("%w: task id %q is not a UUID", job.ErrInvalidOperation, t.ID)
		}
		return nil
	}
	id, err := NewID()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}
