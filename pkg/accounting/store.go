package accounting

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/transport"
)

// Store persists Records through a Transport.
//
// Directory layout:
//
//	<root>/<pid>
//
// Writes go to a dot-prefixed temp file first and are renamed into place, so a
// reader never sees a partial record.
type Store struct {
	t      transport.Transport
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// NewStore returns a store rooted at root on the host reached by t.
func NewStore(t transport.Transport, root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{t: t, root: strings.TrimSpace(root), logger: logger, now: time.Now}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) path(pid int) string {
	return path.Join(s.root, strconv.Itoa(pid))
}

// EnsureRoot creates the root directory if needed.
func (s *Store) EnsureRoot() error {
	if s.root == "" {
		return fmt.Errorf("accounting root dir is empty")
	}
	ok, err := s.t.IsDir(s.root)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	s.logger.Info("Creating accounting directory", zap.String("dir", s.root), zap.String("host", s.t.Frontend()))
	return s.t.MakeDirs(s.root, 0755)
}

// Write stores r under its pid, replacing any previous record.
func (s *Store) Write(r *Record) error {
	if r == nil {
		return fmt.Errorf("accounting record is nil")
	}
	if r.PID <= 0 {
		return fmt.Errorf("accounting record has invalid pid %d", r.PID)
	}
	if err := s.EnsureRoot(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounting record: %w", err)
	}
	b = append(b, '\n')

	tmp := path.Join(s.root, fmt.Sprintf(".%d.tmp.%d", r.PID, s.now().UnixNano()))
	if err := transport.WriteFile(s.t, tmp, b, 0644); err != nil {
		_ = s.t.Remove(tmp)
		return fmt.Errorf("write temp accounting file: %w", err)
	}
	if err := s.t.Rename(tmp, s.path(r.PID)); err != nil {
		_ = s.t.Remove(tmp)
		return fmt.Errorf("rename accounting file: %w", err)
	}
	s.logger.Debug("Updated accounting record", zap.Int("pid", r.PID), zap.Bool("terminated", r.Terminated))
	return nil
}

// Get reads the record for pid. A missing record reports transport.IsNotExist.
func (s *Store) Get(pid int) (*Record, error) {
	return s.read(s.path(pid))
}

func (s *Store) read(p string) (*Record, error) {
	b, err := transport.ReadFile(s.t, p)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("accounting file %s is empty", p)
	}
	var r Record
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return nil, fmt.Errorf("parse accounting file %s: %w", p, err)
	}
	return &r, nil
}

// List returns every readable record, ordered by pid. Temp files and entries
// that fail to parse are skipped with a warning.
func (s *Store) List() ([]Record, error) {
	if err := s.EnsureRoot(); err != nil {
		return nil, err
	}
	names, err := s.t.ListDir(s.root)
	if err != nil {
		if transport.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read accounting root: %w", err)
	}

	out := make([]Record, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		pid, err := strconv.Atoi(name)
		if err != nil {
			s.logger.Warn("Ignoring unexpected file in accounting directory", zap.String("name", name))
			continue
		}
		r, err := s.read(s.path(pid))
		if err != nil {
			if !transport.IsNotExist(err) {
				s.logger.Warn("Skipping unreadable accounting record", zap.Int("pid", pid), zap.Error(err))
			}
			continue
		}
		if r.PID == 0 {
			r.PID = pid
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// Delete removes the record for pid. A missing record is not an error.
func (s *Store) Delete(pid int) error {
	err := s.t.Remove(s.path(pid))
	if err != nil && !transport.IsNotExist(err) {
		return fmt.Errorf("delete accounting record %d: %w", pid, err)
	}
	s.logger.Debug("Deleted accounting record", zap.Int("pid", pid))
	return nil
}

// Totals recomputes used capacity from the stored records.
func (s *Store) Totals() (Totals, []Record, error) {
	records, err := s.List()
	if err != nil {
		return Totals{}, nil, err
	}
	return Sum(records), records, nil
}
