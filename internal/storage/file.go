package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pewtask/internal/task"
	logx "pewtask/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.json          (snapshot, rewritten on every task change)
//   - <prefix>.projects.json       (snapshot)
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into its snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	// mu serializes mutation plus the file write that follows it.
	mu sync.Mutex

	tasksPath    string
	projectsPath string
	auditFile    *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemory()
	s := &fileStore{
		memStore:          mem,
		log:               log,
		tasksPath:         prefix + ".tasks.json",
		projectsPath:      prefix + ".projects.json",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
	}

	var tasks []task.Task
	if err := readJSON(s.tasksPath, &tasks); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		mem.tasks[t.ID] = cloneTask(t)
	}
	var projects []task.Project
	if err := readJSON(s.projectsPath, &projects); err != nil {
		return nil, err
	}
	for _, p := range projects {
		mem.projects[p.ID] = p
	}

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = readJSON(s.dedupSnapshotPath, &mem.dedup)
	if mem.dedup == nil {
		mem.dedup = map[string]int64{}
	}
	_ = replayDedupJournal(journalPath, mem.dedup)
	pruneExpiredDedup(mem.dedup)

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile = af
	s.dedupJournalFile = jf

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("tasks", len(tasks)), logx.Int("projects", len(projects)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.memStore.Close()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) PutTask(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memStore.PutTask(ctx, t); err != nil {
		return err
	}
	return s.flushTasksLocked(ctx)
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memStore.DeleteTask(ctx, id); err != nil {
		return err
	}
	return s.flushTasksLocked(ctx)
}

func (s *fileStore) PutProject(ctx context.Context, p task.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memStore.PutProject(ctx, p); err != nil {
		return err
	}
	projects, err := s.memStore.ListProjects(ctx)
	if err != nil {
		return err
	}
	return writeJSONAtomic(s.projectsPath, projects)
}

func (s *fileStore) flushTasksLocked(ctx context.Context) error {
	tasks, err := s.memStore.ListTasks(ctx)
	if err != nil {
		return err
	}
	return writeJSONAtomic(s.tasksPath, tasks)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrDisabled
	}
	if err := s.memStore.PutDedup(ctx, key, until); err != nil {
		return err
	}

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: until.UnixMilli()}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.memStore.mu.Lock()
	pruneExpiredDedup(s.memStore.dedup)
	snap := make(map[string]int64, len(s.memStore.dedup))
	for k, v := range s.memStore.dedup {
		snap[k] = v
	}
	s.memStore.mu.Unlock()

	if err := writeJSONAtomic(s.dedupSnapshotPath, snap); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}
