package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"maestro/internal/domain"
)

const maxWorkflowRuns = 100

// FileStore implements domain.WorkflowStore with JSON file persistence.
// Definitions can also be loaded from a directory of YAML files.
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
	defs   map[string]domain.WorkflowDefinition
	runs   map[string]domain.WorkflowRun
}

// NewFileStore creates a file-backed workflow store rooted at dir.
func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("workflowstore: create dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	s := &FileStore{
		dir:    dir,
		logger: log,
		defs:   make(map[string]domain.WorkflowDefinition),
		runs:   make(map[string]domain.WorkflowRun),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("workflowstore: load: %w", err)
	}

	return s, nil
}

// --- definitions ---

func (s *FileStore) SaveDefinition(_ context.Context, def domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs[def.ID] = def
	return s.persistDefs()
}

func (s *FileStore) GetDefinition(_ context.Context, id string) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, &domain.DomainError{Op: "workflowstore.get", Err: domain.ErrWorkflowNotFound, Detail: id}
	}
	return &def, nil
}

func (s *FileStore) ListDefinitions(_ context.Context) ([]domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]domain.WorkflowDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// LoadDefinitionDir reads YAML workflow definitions from dir, skipping
// unreadable or invalid files with a warning. The optional validate func
// rejects structurally broken definitions before they are registered.
// Returns the number of definitions loaded.
func (s *FileStore) LoadDefinitionDir(dir string, validate func(domain.WorkflowDefinition) error) (int, error) {
	log := s.logger

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("workflow definition directory does not exist", "dir", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("workflowstore: read definition dir: %w", err)
	}

	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warn("skip unreadable workflow file", "file", entry.Name(), "error", err)
			continue
		}

		var def domain.WorkflowDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			log.Warn("skip invalid workflow file", "file", entry.Name(), "error", err)
			continue
		}
		if def.ID == "" {
			def.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if validate != nil {
			if err := validate(def); err != nil {
				log.Warn("skip invalid workflow definition", "file", entry.Name(), "error", err)
				continue
			}
		}
		s.defs[def.ID] = def
		loaded++
	}

	log.Info("workflow definitions loaded", "dir", dir, "count", loaded)
	return loaded, nil
}

// --- runs ---

func (s *FileStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run

	// Evict oldest terminal runs if over limit.
	if len(s.runs) > maxWorkflowRuns {
		s.evictOldest()
	}

	return s.persistRuns()
}

func (s *FileStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, &domain.DomainError{Op: "workflowstore.get_run", Err: domain.ErrRunNotFound, Detail: id}
	}
	return &run, nil
}

func (s *FileStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt) // newest first
	})

	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- persistence ---

func (s *FileStore) defsPath() string {
	return filepath.Join(s.dir, "workflow_definitions.json")
}

func (s *FileStore) runsPath() string {
	return filepath.Join(s.dir, "workflow_runs.json")
}

func (s *FileStore) load() error {
	if data, err := os.ReadFile(s.defsPath()); err == nil {
		var defs []domain.WorkflowDefinition
		if err := json.Unmarshal(data, &defs); err != nil {
			return fmt.Errorf("parse %s: %w", s.defsPath(), err)
		}
		for _, d := range defs {
			s.defs[d.ID] = d
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if data, err := os.ReadFile(s.runsPath()); err == nil {
		var runs []domain.WorkflowRun
		if err := json.Unmarshal(data, &runs); err != nil {
			return fmt.Errorf("parse %s: %w", s.runsPath(), err)
		}
		for _, r := range runs {
			s.runs[r.ID] = r
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (s *FileStore) persistDefs() error {
	defs := make([]domain.WorkflowDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	return writeJSON(s.defsPath(), defs)
}

func (s *FileStore) persistRuns() error {
	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	return writeJSON(s.runsPath(), runs)
}

// evictOldest removes the oldest terminal runs until count <= maxWorkflowRuns.
func (s *FileStore) evictOldest() {
	type entry struct {
		id string
		r  domain.WorkflowRun
	}
	var candidates []entry
	for id, r := range s.runs {
		if r.Status == domain.RunCompleted || r.Status == domain.RunFailed {
			candidates = append(candidates, entry{id, r})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].r.CreatedAt.Before(candidates[j].r.CreatedAt)
	})
	for _, c := range candidates {
		if len(s.runs) <= maxWorkflowRuns {
			break
		}
		delete(s.runs, c.id)
	}
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &domain.DomainError{Op: "workflowstore.marshal", Err: domain.ErrStoreWrite, Detail: err.Error()}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return &domain.DomainError{Op: "workflowstore.write", Err: domain.ErrStoreWrite, Detail: err.Error()}
	}
	return os.Rename(tmp, path)
}

var _ domain.WorkflowStore = (*FileStore)(nil)
