// Package history keeps a lightweight record of past executions: one
// directory per execution holding a JSON record and a zstd-compressed
// transcript of everything the script printed. The store is best-effort by
// contract: it logs its own failures and never propagates them, so a broken
// disk cannot take an execution down with it.
package history

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Record describes one execution attempt.
type Record struct {
	ID        string    `json:"id"`
	Script    string    `json:"script"`
	Mode      string    `json:"mode"`
	Host      string    `json:"host,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	ExitCode  int       `json:"exitCode"`
	Summary   string    `json:"summary,omitempty"`
}

type entry struct {
	record Record
	file   *os.File
	enc    *zstd.Encoder
}

// Store is an fs-backed execution history. It implements the registry's
// Recorder interface.
type Store struct {
	rootDir string
	logger  *slog.Logger

	mu   sync.Mutex
	open map[string]*entry
}

// Open prepares a store rooted at rootDir.
func Open(rootDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rootDir: rootDir, logger: logger, open: make(map[string]*entry)}
}

// Started creates the execution's record and opens its transcript.
func (s *Store) Started(id, mode, script, host string) {
	dir := filepath.Join(s.rootDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("history: create dir", "id", id, "err", err)
		return
	}
	e := &entry{record: Record{
		ID:        id,
		Script:    script,
		Mode:      mode,
		Host:      host,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}}

	f, err := os.Create(filepath.Join(dir, "transcript.zst"))
	if err != nil {
		s.logger.Warn("history: open transcript", "id", id, "err", err)
	} else {
		enc, zerr := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zerr != nil {
			s.logger.Warn("history: zstd writer", "id", id, "err", zerr)
			_ = f.Close()
		} else {
			e.file = f
			e.enc = enc
		}
	}

	s.writeRecord(e.record)
	s.mu.Lock()
	s.open[id] = e
	s.mu.Unlock()
}

// Output appends a chunk to the execution's transcript.
func (s *Store) Output(id string, chunk []byte) {
	s.mu.Lock()
	e := s.open[id]
	s.mu.Unlock()
	if e == nil || e.enc == nil {
		return
	}
	if _, err := e.enc.Write(chunk); err != nil {
		s.logger.Warn("history: transcript write", "id", id, "err", err)
	}
}

// Ended finalizes the record and closes the transcript.
func (s *Store) Ended(id string, exitCode int, summary string) {
	s.mu.Lock()
	e := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if e == nil {
		return
	}
	e.record.EndedAt = time.Now()
	e.record.ExitCode = exitCode
	e.record.Summary = summary
	s.writeRecord(e.record)
	if e.enc != nil {
		if err := e.enc.Close(); err != nil {
			s.logger.Warn("history: transcript close", "id", id, "err", err)
		}
		_ = e.file.Close()
	}
}

// List returns all finished and in-flight records, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.rootDir, dirEnt.Name(), "record.json"))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) writeRecord(rec Record) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Warn("history: marshal record", "id", rec.ID, "err", err)
		return
	}
	path := filepath.Join(s.rootDir, rec.ID, "record.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("history: write record", "id", rec.ID, "err", err)
	}
}
