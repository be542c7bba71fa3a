package planner

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jllopis/handoff/internal/atomicfile"
)

// DefaultCacheSize bounds the decoded-plan cache of a FileStore.
const DefaultCacheSize = 128

// FileStore keeps one pretty-printed JSON document per plan under a
// directory. Decoded plans are cached; writes are serialized.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	cache  *lru.Cache[string, *Plan]
	logger *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreOptions)

type fileStoreOptions struct {
	cacheSize int
	logger    *slog.Logger
}

// WithCacheSize sets the number of decoded plans kept in memory.
func WithCacheSize(n int) FileStoreOption {
	return func(o *fileStoreOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithStoreLogger sets the logger for purge and skip warnings.
func WithStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(o *fileStoreOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// OpenFileStore opens dir, creating it when missing, and purges legacy
// documents: JSON files with no steps but a raw_data or result field.
func OpenFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	o := fileStoreOptions{cacheSize: DefaultCacheSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, persistence("create plans dir", err)
	}
	cache, err := lru.New[string, *Plan](o.cacheSize)
	if err != nil {
		return nil, persistence("create plan cache", err)
	}
	s := &FileStore{dir: dir, cache: cache, logger: o.logger}
	if err := s.purgeLegacy(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) purgeLegacy() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return persistence("read plans dir", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			continue
		}
		if isLegacy(fields) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("planner.store.purge_failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.Info("planner.store.purged_legacy", slog.String("path", path))
		}
	}
	return nil
}

func isLegacy(fields map[string]json.RawMessage) bool {
	if _, ok := fields["steps"]; ok {
		return false
	}
	_, raw := fields["raw_data"]
	_, result := fields["result"]
	return raw || result
}

// Save writes plan atomically and caches it.
func (s *FileStore) Save(_ context.Context, plan *Plan) error {
	data, err := MarshalJSON(plan, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicfile.WriteFile(s.path(plan.ID), data); err != nil {
		return persistence("write plan", err).WithContext("plan_id", plan.ID)
	}
	s.cache.Add(plan.ID, plan.Clone())
	return nil
}

// Load returns the plan stored under id.
func (s *FileStore) Load(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *FileStore) loadLocked(id string) (*Plan, error) {
	if plan, ok := s.cache.Get(id); ok {
		return plan.Clone(), nil
	}
	data, err := os.ReadFile(s.path(id))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, persistence("read plan", err).WithContext("plan_id", id)
	}
	plan, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, plan)
	return plan.Clone(), nil
}

// List returns every readable plan ordered by id. Malformed documents are
// skipped with a warning.
func (s *FileStore) List(_ context.Context) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, persistence("read plans dir", err)
	}
	var out []*Plan
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		plan, err := s.loadLocked(id)
		if err != nil {
			s.logger.Warn("planner.store.skipped",
				slog.String("path", filepath.Join(s.dir, name)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, plan)
	}
	sortByID(out)
	return out, nil
}

// Delete removes the plan stored under id.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(id)
	if err := os.Remove(s.path(id)); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return notFound(id)
		}
		return persistence("delete plan", err).WithContext("plan_id", id)
	}
	return nil
}
