package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gobatch/pkg/job"
)

func openStores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "db", "tasks.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"file": func(t *testing.T) Store {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "tasks"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func sampleTask(name string) *job.Task {
	task := job.NewTask(job.Application{
		Name:           name,
		Arguments:      []string{"/bin/echo", "hi"},
		RequestedCores: 2,
		Environment:    map[string]string{"A": "1"},
	})
	task.Execution.ResourceName = "localhost"
	task.Execution.LRMSJobID = "4242"
	return task
}

func TestStores(t *testing.T) {
	for name, open := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("save assigns a v7 id", func(t *testing.T) {
				s := open(t)
				task := sampleTask("a")
				id, err := s.Save(ctx, task)
				require.NoError(t, err)
				assert.Equal(t, id, task.ID)
				parsed, err := uuid.Parse(id)
				require.NoError(t, err)
				assert.Equal(t, uuid.Version(7), parsed.Version())

				again, err := s.Save(ctx, task)
				require.NoError(t, err)
				assert.Equal(t, id, again, "ids are stable across saves")
			})

			t.Run("identity map", func(t *testing.T) {
				s := open(t)
				task := sampleTask("b")
				id, err := s.Save(ctx, task)
				require.NoError(t, err)

				first, err := s.Load(ctx, id)
				require.NoError(t, err)
				second, err := s.Load(ctx, id)
				require.NoError(t, err)
				assert.Same(t, task, first)
				assert.Same(t, first, second)
			})

			t.Run("round trip detached", func(t *testing.T) {
				s := open(t)
				task := sampleTask("c")
				require.NoError(t, task.Execution.SetState(job.StateSubmitted))
				task.Execution.SetTermStatus(0, 3)
				id, err := s.Save(ctx, task)
				require.NoError(t, err)

				fresh := reopen(t, s)
				loaded, err := fresh.Load(ctx, id)
				require.NoError(t, err)
				assert.NotSame(t, task, loaded)
				assert.Equal(t, id, loaded.ID)
				assert.Equal(t, "c", loaded.App.Name)
				assert.Equal(t, job.StateSubmitted, loaded.State())
				assert.Equal(t, 3, loaded.Execution.ExitCode())
				assert.Equal(t, "4242", loaded.Execution.LRMSJobID)
				_, err = loaded.Backend()
				assert.ErrorIs(t, err, job.ErrDetached)
			})

			t.Run("list and remove", func(t *testing.T) {
				s := open(t)
				var ids []string
				for _, n := range []string{"x", "y", "z"} {
					id, err := s.Save(ctx, sampleTask(n))
					require.NoError(t, err)
					ids = append(ids, id)
					time.Sleep(2 * time.Millisecond)
				}
				recs, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, recs, 3)
				assert.Equal(t, ids[0], recs[0].ID)
				assert.Equal(t, "x", recs[0].Name)
				assert.Equal(t, job.StateNew, recs[0].State)
				assert.Equal(t, "localhost", recs[0].Resource)

				require.NoError(t, s.Remove(ctx, ids[1]))
				require.NoError(t, s.Remove(ctx, ids[1]))
				recs, err = s.List(ctx)
				require.NoError(t, err)
				assert.Len(t, recs, 2)
				_, err = s.Load(ctx, ids[1])
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("missing", func(t *testing.T) {
				s := open(t)
				id, err := NewID()
				require.NoError(t, err)
				_, err = s.Load(ctx, id)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("rejects foreign ids", func(t *testing.T) {
				s := open(t)
				task := sampleTask("bad")
				task.ID = "../../etc/passwd"
				_, err := s.Save(ctx, task)
				assert.ErrorIs(t, err, job.ErrInvalidOperation)
			})
		})
	}
}

// reopen returns a second store over the same data with an empty identity map.
func reopen(t *testing.T, s Store) Store {
	t.Helper()
	switch st := s.(type) {
	case *SQLiteStore:
		return &SQLiteStore{db: st.db, ids: newIdentityMap(), now: time.Now}
	case *FileStore:
		fresh, err := OpenFileStore(st.dir)
		require.NoError(t, err)
		return fresh
	}
	t.Fatalf("unknown store %T", s)
	return nil
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, s.db))

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpenKinds(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, KindFile, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, "", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "mongo", t.TempDir())
	assert.True(t, job.IsConfiguration(err))
}
