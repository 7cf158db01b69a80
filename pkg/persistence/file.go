package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/gobatch/pkg/job"
)

// FileStore keeps one JSON document per task in a directory.
type FileStore struct {
	dir string
	ids *identityMap
	now func() time.Time
}

var _ Store = (*FileStore)(nil)

// fileDoc is the on-disk form: the index fields next to the task itself.
type fileDoc struct {
	Record
	Task json.RawMessage `json:"task"`
}

// OpenFileStore creates dir if needed and returns a store over it.
func OpenFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("task store directory is required")
	}
	// #nosec G301 -- session directories are shared with the user's other tools
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}
	return &FileStore{dir: dir, ids: newIdentityMap(), now: time.Now}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Save(_ context.Context, t *job.Task) (string, error) {
	if err := assignID(t); err != nil {
		return "", err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	doc := fileDoc{Record: recordOf(t), Task: payload}
	now := s.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if prev, err := s.readDoc(t.ID); err == nil {
		doc.CreatedAt = prev.CreatedAt
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	tmp := filepath.Join(s.dir, "."+t.ID+".tmp."+strconv.FormatInt(now.UnixNano(), 10))
	// #nosec G306 -- task documents carry no secrets
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if err := os.Rename(tmp, s.path(t.ID)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("save task %s: %w", t.ID, err)
	}
	s.ids.set(t)
	return t.ID, nil
}

func (s *FileStore) readDoc(id string) (*fileDoc, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &doc, nil
}

func (s *FileStore) Load(_ context.Context, id string) (*job.Task, error) {
	if t, ok := s.ids.get(id); ok {
		return t, nil
	}
	doc, err := s.readDoc(id)
	if err != nil {
		return nil, err
	}
	t := new(job.Task)
	if err := json.Unmarshal(doc.Task, t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.ID = id
	return s.ids.put(t), nil
}

// List reads the index fields of every document. Unreadable documents are
// skipped.
func (s *FileStore) List(_ context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := s.readDoc(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, doc.Record)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *FileStore) Remove(_ context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove task %s: %w", id, err)
	}
	s.ids.drop(id)
	return nil
}

func (s *FileStore) Close() error { return nil }
