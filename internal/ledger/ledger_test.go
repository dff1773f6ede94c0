package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTemp(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "ledger.json")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func find(l *Ledger, identity string) (Record, bool) {
	for _, r := range l.Records() {
		if r.Identity == identity {
			return r, true
		}
	}
	return Record{}, false
}

func identities(l *Ledger) []string {
	var ids []string
	for _, r := range l.Records() {
		ids = append(ids, r.Identity)
	}
	return ids
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	l, _ := openTemp(t)
	if l.Len() != 0 {
		t.Fatalf("Len = %d, want 0", l.Len())
	}
	if l.Has("a.png") {
		t.Error("empty ledger should not have a.png")
	}
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	uploaded := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	if err := l.Commit(Record{Identity: "a.png", RemoteID: "ComfyUI-Outputs/a.png", UploadedAt: uploaded, Size: 42}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !l.Has("a.png") {
		t.Fatal("Has(a.png) = false after commit")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	r, ok := find(reopened, "a.png")
	if !ok {
		t.Fatal("record lost across reopen")
	}
	if r.RemoteID != "ComfyUI-Outputs/a.png" || r.Size != 42 || !r.UploadedAt.Equal(uploaded) {
		t.Errorf("record = %+v", r)
	}
}

func TestCommitNeverOverwrites(t *testing.T) {
	l, _ := openTemp(t)
	if err := l.Commit(Record{Identity: "a.png", RemoteID: "first"}); err != nil {
		t.Fatal(err)
	}
	err := l.Commit(Record{Identity: "a.png", RemoteID: "second"})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
	if r, _ := find(l, "a.png"); r.RemoteID != "first" {
		t.Errorf("RemoteID = %q, want first", r.RemoteID)
	}
}

func TestCommitFailureLeavesNoRecord(t *testing.T) {
	l, path := openTemp(t)
	diskFull := errors.New("no space left on device")
	l.writeFile = func(string, []byte) error { return diskFull }

	err := l.Commit(Record{Identity: "b.png", RemoteID: "x"})
	if !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want wrapped disk error", err)
	}
	if l.Has("b.png") {
		t.Error("failed commit must not mark identity as uploaded")
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("ledger file should not exist after failed first commit, stat err = %v", statErr)
	}
}

func TestFileFormatIsHumanReadable(t *testing.T) {
	l, path := openTemp(t)
	for _, id := range []string{"c.png", "a.png", "b.png"} {
		if err := l.Commit(Record{Identity: id, RemoteID: "remote/" + id}); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  \"records\": [") {
		t.Errorf("expected indented JSON, got:\n%s", data)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Version != formatVersion {
		t.Errorf("version = %d", doc.Version)
	}
	if !slices.Equal(doc.UploadedFiles, []string{"a.png", "b.png", "c.png"}) {
		t.Errorf("uploaded_files = %v", doc.UploadedFiles)
	}
	if doc.Records[0].Identity != "a.png" || doc.Records[2].Identity != "c.png" {
		t.Errorf("records not sorted: %+v", doc.Records)
	}
}

func TestLegacyStateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync_state.json")
	legacy := `{
  "uploaded_files": ["old1.png", "old2.jpg"],
  "last_updated": "2025-03-01T10:00:00.000000"
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if got := identities(l); !slices.Equal(got, []string{"old1.png", "old2.jpg"}) {
		t.Fatalf("identities = %v", got)
	}
	if err := l.Commit(Record{Identity: "new.png", RemoteID: "r"}); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		UploadedFiles []string `json:"uploaded_files"`
	}
	data, _ := os.ReadFile(path)
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(doc.UploadedFiles, []string{"new.png", "old1.png", "old2.jpg"}) {
		t.Errorf("legacy readers would see %v", doc.UploadedFiles)
	}
}

func TestCorruptLedgerStartsEmptyAndIsPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	if err := os.WriteFile(path, []byte(`{"records": [`), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("corrupt ledger must not fail Open: %v", err)
	}
	defer l.Close()

	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected corrupt copy to be preserved, found %v", matches)
	}
	if data, _ := os.ReadFile(matches[0]); string(data) != `{"records": [` {
		t.Errorf("preserved copy content = %q", data)
	}

	if err := l.Commit(Record{Identity: "a.png"}); err != nil {
		t.Fatalf("Commit after corruption: %v", err)
	}
}

func TestUnreadableLedgerIsPreserved(t *testing.T) {
	// A directory at the ledger path fails to read even for root.
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("unreadable ledger must not fail Open: %v", err)
	}
	defer l.Close()

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected unreadable file to be moved aside, found %v", matches)
	}
	if _, err := os.Stat(filepath.Join(matches[0], "keep")); err != nil {
		t.Errorf("preserved copy lost its content: %v", err)
	}
	if err := l.Commit(Record{Identity: "new.png"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestPermissionDeniedLedgerKeepsRecords(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	legacy := `{"uploaded_files":["old1.png","old2.png"]}`
	if err := os.WriteFile(path, []byte(legacy), 0o000); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if err := l.Commit(Record{Identity: "new.png"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected preserved copy, found %v", matches)
	}
	if err := os.Chmod(matches[0], 0o644); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(matches[0]); string(data) != legacy {
		t.Errorf("preserved copy content = %q", data)
	}
}

func TestUnpreservedLedgerRefusesCommits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	if err := os.WriteFile(path, []byte(`{"records": [`), 0o644); err != nil {
		t.Fatal(err)
	}
	renameFile = func(string, string) error { return errors.New("read-only directory") }
	t.Cleanup(func() { renameFile = os.Rename })

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Commit(Record{Identity: "a.png"}); !errors.Is(err, ErrUnpreserved) {
		t.Fatalf("Commit err = %v, want ErrUnpreserved", err)
	}
	if l.Has("a.png") {
		t.Error("refused commit left a record")
	}
	if data, _ := os.ReadFile(path); string(data) != `{"records": [` {
		t.Errorf("ledger file was overwritten: %q", data)
	}
}

func TestSecondOpenIsLocked(t *testing.T) {
	l, path := openTemp(t)
	_ = l

	if _, err := Open(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open err = %v, want ErrLocked", err)
	}
}

func TestCommitAfterClose(t *testing.T) {
	l, _ := openTemp(t)
	l.Close()
	if err := l.Commit(Record{Identity: "a.png"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestConcurrentCommitsOfDistinctIdentities(t *testing.T) {
	l, path := openTemp(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("img_%03d.png", i)
			if err := l.Commit(Record{Identity: id, RemoteID: "r/" + id}); err != nil {
				t.Errorf("Commit(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	l.Close()
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Len() != 20 {
		t.Errorf("persisted %d records, want 20", reopened.Len())
	}
}

func TestReadRecordsWhileLocked(t *testing.T) {
	l, path := openTemp(t)
	l.Commit(Record{Identity: "b.png", RemoteID: "r/b.png", Size: 2})
	l.Commit(Record{Identity: "a.png", RemoteID: "r/a.png", Size: 1})

	records, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 2 || records[0].Identity != "a.png" || records[1].RemoteID != "r/b.png" {
		t.Errorf("records = %+v", records)
	}

	if _, err := ReadRecords(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}
