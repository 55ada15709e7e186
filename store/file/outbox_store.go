// Package filestore persists the outbox as append-only JSONL files.
//
// Layout next to the primary path:
//
//	events.jsonl            one OutboxEntry per line
//	events.jsonl.delivered  one delivered event id per line
//	dlq.jsonl               entries whose primary append failed
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-mcp-inspector/core"
)

const deliveredSuffix = ".delivered"

type Option func(*OutboxStore)

// WithNoSync skips the fsync after each append.
func WithNoSync(noSync bool) Option {
	return func(s *OutboxStore) {
		s.noSync = noSync
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *OutboxStore) {
		s.logger = glog.Ensure(logger)
	}
}

// withOpener swaps the file opener; tests use it to fail the primary path.
func withOpener(open func(path string) (appendFile, error)) Option {
	return func(s *OutboxStore) {
		if open != nil {
			s.open = open
		}
	}
}

type appendFile interface {
	io.Writer
	Sync() error
	Close() error
}

// OutboxStore keeps an in-memory index of everything on disk. Reads are
// served from the index; every write goes to disk first.
type OutboxStore struct {
	mu            sync.Mutex
	path          string
	dlqPath       string
	deliveredPath string
	noSync        bool
	logger        core.Logger
	open          func(path string) (appendFile, error)

	primary   appendFile
	dlq       appendFile
	sidecar   appendFile
	entries   []core.OutboxEntry
	index     map[string]int
	persisted map[string]bool
	delivered map[string]bool
	closed    bool
}

func NewOutboxStore(path, dlqPath string, opts ...Option) (*OutboxStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("filestore: outbox path is required")
	}
	dlqPath = strings.TrimSpace(dlqPath)
	if dlqPath == "" {
		dlqPath = filepath.Join(filepath.Dir(path), "dlq.jsonl")
	}
	store := &OutboxStore{
		path:          path,
		dlqPath:       dlqPath,
		deliveredPath: path + deliveredSuffix,
		logger:        glog.Nop(),
		open:          openAppend,
		index:         map[string]int{},
		persisted:     map[string]bool{},
		delivered:     map[string]bool{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	for _, p := range []string{store.path, store.dlqPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create outbox directory: %w", err)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func FromConfig(cfg core.OutboxConfig, logger core.Logger) (*OutboxStore, error) {
	return NewOutboxStore(cfg.Path, cfg.DLQPath, WithNoSync(cfg.NoSync), WithLogger(logger))
}

func (s *OutboxStore) Path() string { return s.path }

func (s *OutboxStore) DLQPath() string { return s.dlqPath }

// Append writes the entry to the primary file. When that fails the line goes
// to the DLQ and the primary error is still returned so the caller keeps the
// claim held. Appending an event id already on the primary file is a no-op.
func (s *OutboxStore) Append(_ context.Context, entry core.OutboxEntry) error {
	if strings.TrimSpace(entry.EventID) == "" {
		return fmt.Errorf("filestore: outbox event id is required")
	}
	entry.Delivered = false
	line, err := entry.MarshalLine()
	if err != nil {
		return fmt.Errorf("filestore: encode outbox entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("filestore: outbox is closed")
	}
	if s.persisted[entry.EventID] {
		return nil
	}

	primaryErr := s.writeLine(&s.primary, s.path, line)
	if primaryErr == nil {
		s.persisted[entry.EventID] = true
		s.remember(entry)
		return nil
	}

	if dlqErr := s.writeLine(&s.dlq, s.dlqPath, line); dlqErr != nil {
		s.logger.Error("outbox dlq append failed",
			"event_id", entry.EventID,
			"error", dlqErr.Error(),
		)
		return core.NewDurabilityError("filestore: outbox and dlq append failed", primaryErr, map[string]any{
			"event_id": entry.EventID,
			"path":     s.path,
			"dlq_path": s.dlqPath,
		})
	}
	s.remember(entry)
	s.logger.Warn("outbox append fell back to dlq",
		"event_id", entry.EventID,
		"error", primaryErr.Error(),
	)
	return core.NewDurabilityError("filestore: outbox append failed; entry written to dlq", primaryErr, map[string]any{
		"event_id": entry.EventID,
		"path":     s.path,
		"dlq_path": s.dlqPath,
	})
}

func (s *OutboxStore) ReadUndelivered(_ context.Context, limit int) ([]core.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.OutboxEntry
	for _, entry := range s.entries {
		if s.delivered[entry.EventID] {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered appends the ids to the sidecar. Unknown and already
// delivered ids are ignored.
func (s *OutboxStore) MarkDelivered(_ context.Context, eventIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	var marked []string
	for _, id := range eventIDs {
		id = strings.TrimSpace(id)
		if _, known := s.index[id]; !known || s.delivered[id] {
			continue
		}
		buf.WriteString(id)
		buf.WriteByte('\n')
		marked = append(marked, id)
	}
	if len(marked) == 0 {
		return nil
	}
	if err := s.write(&s.sidecar, s.deliveredPath, buf.Bytes()); err != nil {
		return fmt.Errorf("filestore: record delivered ids: %w", err)
	}
	for _, id := range marked {
		s.delivered[id] = true
	}
	return nil
}

func (s *OutboxStore) Latest(_ context.Context, eventTypes ...core.OutboxEventType) (core.OutboxEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if core.MatchesEventType(entry.EventType, eventTypes) {
			entry.Delivered = s.delivered[entry.EventID]
			return entry, true, nil
		}
	}
	return core.OutboxEntry{}, false, nil
}

func (s *OutboxStore) Backlog(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.entries {
		if !s.delivered[entry.EventID] {
			count++
		}
	}
	return count, nil
}

func (s *OutboxStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, file := range []appendFile{s.primary, s.dlq, s.sidecar} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *OutboxStore) remember(entry core.OutboxEntry) {
	if _, ok := s.index[entry.EventID]; ok {
		return
	}
	s.index[entry.EventID] = len(s.entries)
	s.entries = append(s.entries, entry)
}

func (s *OutboxStore) writeLine(target *appendFile, path string, line []byte) error {
	record := make([]byte, 0, len(line)+1)
	record = append(record, line...)
	record = append(record, '\n')
	return s.write(target, path, record)
}

// write opens the file lazily and drops the handle after a failure so the
// next attempt reopens it.
func (s *OutboxStore) write(target *appendFile, path string, data []byte) error {
	if *target == nil {
		file, err := s.open(path)
		if err != nil {
			return err
		}
		*target = file
	}
	if _, err := (*target).Write(data); err != nil {
		s.reset(target)
		return err
	}
	if s.noSync {
		return nil
	}
	if err := (*target).Sync(); err != nil {
		s.reset(target)
		return err
	}
	return nil
}

func (s *OutboxStore) reset(target *appendFile) {
	_ = (*target).Close()
	*target = nil
}

func (s *OutboxStore) load() error {
	primary, err := s.readEntries(s.path)
	if err != nil {
		return err
	}
	for _, entry := range primary {
		s.persisted[entry.EventID] = true
		s.remember(entry)
	}
	dlq, err := s.readEntries(s.dlqPath)
	if err != nil {
		return err
	}
	for _, entry := range dlq {
		s.remember(entry)
	}
	ids, err := readLines(s.deliveredPath)
	if err != nil {
		return err
	}
	for _, line := range ids {
		id := strings.TrimSpace(string(line))
		if _, known := s.index[id]; known {
			s.delivered[id] = true
		}
	}
	return nil
}

// readEntries skips lines that do not decode; a crash can leave a torn last
// line behind.
func (s *OutboxStore) readEntries(path string) ([]core.OutboxEntry, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	entries := make([]core.OutboxEntry, 0, len(lines))
	for i, line := range lines {
		entry, err := core.UnmarshalOutboxEntry(line)
		if err != nil || entry.EventID == "" {
			s.logger.Warn("skipping unreadable outbox line", "path", path, "line", i+1)
			continue
		}
		entry.Delivered = false
		entries = append(entries, entry)
	}
	return entries, nil
}

// readLines returns the non-empty lines of path and terminates a torn last
// line so the next append starts on a fresh line.
func readLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if err := appendNewline(path); err != nil {
			return nil, err
		}
	}
	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("filestore: scan %s: %w", path, err)
	}
	return lines, nil
}

func appendNewline(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: repair %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("filestore: repair %s: %w", path, err)
	}
	return nil
}

func openAppend(path string) (appendFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

var (
	_ core.Outbox        = (*OutboxStore)(nil)
	_ core.OutboxHistory = (*OutboxStore)(nil)
	_ core.OutboxBacklog = (*OutboxStore)(nil)
	_ io.Closer          = (*OutboxStore)(nil)
)
