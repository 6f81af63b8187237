package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

// fileStore is a single-process backend that survives restarts.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*Memory

	log logx.Logger

	fmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type fileRecord struct {
	Dir     string           `json:"dir"`
	Name    string           `json:"name"`
	Version int64            `json:"version"`
	Context *trigger.Context `json:"context"`
}

func openFile(cfg Config, log logx.Logger) (trigger.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable, starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", journalPath, err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		Memory:       mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}
	mem.onWrite = s.append
	return s, nil
}

func (s *fileStore) Close() error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// append runs under the Memory lock, before the write is applied.
func (s *fileStore) append(dir, name string, tc *trigger.Context) error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return errors.New("journal closed")
	}
	rec := fileRecord{Dir: dir, Name: name, Version: tc.Version, Context: tc}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		snap := s.Memory.snapshot()
		if snap[dir] == nil {
			snap[dir] = map[string]*trigger.Context{}
		}
		snap[dir][name] = tc
		// Best-effort; the journal still holds everything.
		if err := s.compactLocked(snap); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked(snap map[string]map[string]*trigger.Context) error {
	recs := make([]fileRecord, 0, len(snap))
	for dir, d := range snap {
		for name, tc := range d {
			recs = append(recs, fileRecord{Dir: dir, Name: name, Version: tc.Version, Context: tc})
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []fileRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		installRecord(mem, r)
	}
	return nil
}

func replayJournal(path string, mem *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn tail line from a crash.
			continue
		}
		installRecord(mem, r)
	}
	return sc.Err()
}

func installRecord(mem *Memory, r fileRecord) {
	if r.Dir == "" || r.Name == "" || r.Context == nil {
		return
	}
	r.Context.Version = r.Version
	mem.load(r.Dir, r.Name, r.Context)
}
