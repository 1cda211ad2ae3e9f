package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/model"
)

const (
	// PublishedFile records the keys the producer has handed to the broker.
	PublishedFile = "published.jsonl"
	// DeliveredFile records the keys the consumer has posted to Slack.
	DeliveredFile = "delivered.jsonl"
)

var ErrEmptyStateDir = errors.New("state directory is empty")

type Tracker interface {
	Seen(key model.Key) bool
	Mark(key model.Key, seq int64) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Tracked int
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[model.Key]int64
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[model.Key]int64)}
}

func (m *MemoryTracker) Seen(key model.Key) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) Mark(key model.Key, seq int64) error {
	if key == "" {
		return nil
	}

	m.mu.Lock()
	m.seen[key] = seq
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Tracked: count}
}

// FileTracker appends every marked key to a JSONL file so later runs skip
// messages that were already handled.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Key      model.Key `json:"key"`
	Sequence int64     `json:"seq"`
	At       time.Time `json:"at"`
}

// NewFileTracker loads stateDir/name. With persist false the file is read
// but never written, which is what dry runs use.
func NewFileTracker(stateDir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, ErrEmptyStateDir
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}

		f.mu.Lock()
		f.seen[record.Key] = record.Sequence
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// Mark records key once; marking a known key is a no-op.
func (f *FileTracker) Mark(key model.Key, seq int64) error {
	if key == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.seen[key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.seen[key] = seq
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(fileRecord{Key: key, Sequence: seq, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered records to disk.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
