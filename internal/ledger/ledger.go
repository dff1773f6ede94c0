// Package ledger persists the identities of files that were uploaded.
//
// The ledger is a single JSON document rewritten atomically on every
// commit. Records are never overwritten or removed. An exclusive lock on
// "<path>.lock" keeps a second process from writing the same file.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropsync/internal/logging"
	"github.com/fruitsalade/dropsync/internal/metrics"
)

const formatVersion = 1

var (
	// ErrExists is returned when committing an identity that is already recorded.
	ErrExists = errors.New("ledger: identity already recorded")

	// ErrLocked is returned by Open when another process holds the ledger.
	ErrLocked = errors.New("ledger: in use by another process")

	// ErrClosed is returned by Commit after Close.
	ErrClosed = errors.New("ledger: closed")

	// ErrUnpreserved is returned by Commit when the previous file could
	// not be loaded or moved aside. Writing would destroy it.
	ErrUnpreserved = errors.New("ledger: previous file could not be preserved")
)

// renameFile is replaced in tests.
var renameFile = os.Rename

// Record is one uploaded identity. Legacy entries only carry Identity.
type Record struct {
	Identity   string    `json:"identity"`
	RemoteID   string    `json:"remote_id,omitempty"`
	UploadedAt time.Time `json:"uploaded_at,omitzero"`
	Size       int64     `json:"size,omitempty"`
	Path       string    `json:"path,omitempty"`
}

// document is the on-disk format. UploadedFiles keeps the file readable
// by older deployments that only know the flat identity list.
type document struct {
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	UploadedFiles []string  `json:"uploaded_files"`
	Records       []Record  `json:"records"`
}

// Ledger is the durable set of uploaded identities.
type Ledger struct {
	path string
	lock *flock.Flock
	now  func() time.Time

	mu      sync.RWMutex
	records map[string]Record
	closed  bool
	blocked error

	// writeFile is replaced in tests to simulate disk failures.
	writeFile func(path string, data []byte) error
}

// Open locks and loads the ledger at path. A missing file yields an
// empty ledger. An unreadable or corrupt file is moved aside and also
// yields an empty ledger; only lock and directory errors fail.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	l := &Ledger{
		path:      path,
		lock:      lock,
		now:       time.Now,
		records:   make(map[string]Record),
		writeFile: writeFileAtomic,
	}
	l.load()
	metrics.SetLedgerRecords(l.Len())
	return l, nil
}

// load reads the backing file once. It never fails: a file that cannot
// be loaded is preserved next to the ledger for inspection.
func (l *Ledger) load() {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Info("no ledger found, starting empty", zap.String("ledger", l.path))
		return
	}
	if err != nil {
		l.setAside("ledger unreadable", err)
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.setAside("ledger corrupt", err)
		return
	}

	legacy := doc.into(l.records)
	logging.Info("loaded ledger",
		zap.String("ledger", l.path),
		zap.Int("records", len(l.records)),
		zap.Int("legacy_entries", legacy))
}

// into adds the document's records to m and returns how many came only
// from the legacy identity list.
func (doc *document) into(m map[string]Record) int {
	for _, r := range doc.Records {
		if r.Identity != "" {
			m[r.Identity] = r
		}
	}
	legacy := 0
	for _, id := range doc.UploadedFiles {
		if _, ok := m[id]; !ok && id != "" {
			m[id] = Record{Identity: id}
			legacy++
		}
	}
	return legacy
}

// setAside moves the current file to "<path>.corrupt-<timestamp>". If
// that fails, commits are refused so the file is never overwritten.
func (l *Ledger) setAside(problem string, cause error) {
	aside := fmt.Sprintf("%s.corrupt-%s", l.path, l.now().UTC().Format("20060102T150405"))
	if err := renameFile(l.path, aside); err != nil {
		l.blocked = fmt.Errorf("%w: %s: %v", ErrUnpreserved, l.path, err)
		logging.Error(problem+" and could not be moved aside; refusing to record uploads",
			zap.String("ledger", l.path),
			zap.NamedError("rename_error", err),
			zap.Error(cause))
		return
	}
	logging.Warn(problem+", starting empty; duplicate uploads are possible",
		zap.String("ledger", l.path),
		zap.String("preserved_as", aside),
		zap.Error(cause))
}

// ReadRecords parses the ledger at path without locking it, for
// inspection while a daemon owns the file. Records are sorted by identity.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	m := make(map[string]Record)
	doc.into(m)
	return sortedRecords(m), nil
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Has reports whether identity was uploaded.
func (l *Ledger) Has(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[identity]
	return ok
}

// Commit adds r and rewrites the file. The record is only visible to Has
// once the file has been flushed. Commits are serialized.
func (l *Ledger) Commit(r Record) error {
	if r.Identity == "" {
		return errors.New("ledger: empty identity")
	}
	if r.UploadedAt.IsZero() {
		r.UploadedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.blocked != nil {
		metrics.RecordLedgerCommit(false)
		return l.blocked
	}
	if _, ok := l.records[r.Identity]; ok {
		return fmt.Errorf("%w: %s", ErrExists, r.Identity)
	}

	l.records[r.Identity] = r
	data, err := l.encodeLocked()
	if err == nil {
		err = l.writeFile(l.path, data)
	}
	if err != nil {
		delete(l.records, r.Identity)
		metrics.RecordLedgerCommit(false)
		return fmt.Errorf("write ledger: %w", err)
	}

	metrics.RecordLedgerCommit(true)
	metrics.SetLedgerRecords(len(l.records))
	return nil
}

func (l *Ledger) encodeLocked() ([]byte, error) {
	doc := document{
		Version:       formatVersion,
		UpdatedAt:     l.now().UTC(),
		UploadedFiles: make([]string, 0, len(l.records)),
	}
	doc.Records = sortedRecords(l.records)
	for _, r := range doc.Records {
		doc.UploadedFiles = append(doc.UploadedFiles, r.Identity)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Records returns every record, sorted by identity.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedRecords(l.records)
}

// Len returns the number of recorded identities.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Close releases the process lock. Further commits fail.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.lock.Unlock()
}
