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
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"

	ProcessedName    = "processed"
	FingerprintsName = "fingerprints"
)

// Tracker records hashes together with the message that owns them. It backs
// both the processed-message log and the cross-message image fingerprint
// index. All methods are safe for concurrent use.
type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash, owner string) error
	// Claim atomically assigns hash to owner. It reports true when the hash
	// was free or is already held by the same owner.
	Claim(hash, owner string) (bool, error)
	// Release drops a claim made by owner.
	Release(hash, owner string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed int
}

// Open returns a tracker for name inside stateDir using the given backend.
func Open(backend, stateDir, name string, persist bool) (Tracker, error) {
	switch backend {
	case "", BackendFile:
		return NewFileTracker(stateDir, name, persist)
	case BackendSQLite:
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		return NewSQLiteTracker(filepath.Join(stateDir, name+".db"))
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(hash, owner string) error {
	if hash == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[hash] = owner
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Claim(hash, owner string) (bool, error) {
	ok, _ := m.claim(hash, owner)
	return ok, nil
}

// claim reports whether owner holds hash afterwards and whether the entry
// was added by this call.
func (m *MemoryTracker) claim(hash, owner string) (ok, added bool) {
	if hash == "" {
		return true, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.processed[hash]; exists {
		return current == owner, false
	}
	m.processed[hash] = owner
	return true, true
}

func (m *MemoryTracker) Release(hash, owner string) error {
	m.release(hash, owner)
	return nil
}

// release drops hash if owner holds it and reports whether it did.
func (m *MemoryTracker) release(hash, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.processed[hash]; exists && current == owner {
		delete(m.processed, hash)
		return true
	}
	return false
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker persists hashes as JSON lines so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Hash     string `json:"hash"`
	Owner    string `json:"owner"`
	Released bool   `json:"released,omitempty"`
}

func NewFileTracker(stateDir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name+".jsonl"),
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
		if record.Hash == "" {
			continue
		}

		if record.Released {
			f.release(record.Hash, record.Owner)
			continue
		}
		f.mu.Lock()
		f.processed[record.Hash] = record.Owner
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkProcessed(hash, owner string) error {
	_, added := f.claim(hash, owner)
	if !added {
		return nil
	}
	return f.append(fileRecord{Hash: hash, Owner: owner})
}

func (f *FileTracker) Claim(hash, owner string) (bool, error) {
	ok, added := f.claim(hash, owner)
	if !added {
		return ok, nil
	}
	if err := f.append(fileRecord{Hash: hash, Owner: owner}); err != nil {
		return false, err
	}
	return true, nil
}

// Release appends a release line so the entry stays free after a reload.
// Releasing an entry held by another owner is a no-op.
func (f *FileTracker) Release(hash, owner string) error {
	if !f.release(hash, owner) {
		return nil
	}
	return f.append(fileRecord{Hash: hash, Owner: owner, Released: true})
}

func (f *FileTracker) append(record fileRecord) error {
	if !f.persist {
		return nil
	}

	data, err := json.Marshal(record)
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

// Flush writes any buffered data to the underlying file.
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
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
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
