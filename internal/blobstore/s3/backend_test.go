package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/logging"
)

type fakeObject struct {
	body        []byte
	contentType string
}

// fakeS3 is a minimal path-style S3 endpoint for a single bucket.
type fakeS3 struct {
	mu           sync.Mutex
	bucket       string
	bucketExists bool
	objects      map[string]fakeObject
	deny         bool
	putStatus    int
	requests     []string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string]fakeObject)}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>test</RequestId></Error>`, code, code)
}

func (f *fakeS3) object(key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeS3) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	f.requests = append(f.requests, r.Method+" "+key)

	if f.deny {
		writeError(w, r, http.StatusForbidden, "AccessDenied")
		return
	}
	if bucket != f.bucket {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		if !f.bucketExists {
			writeError(w, r, http.StatusNotFound, "NotFound")
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.bucketExists = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			writeError(w, r, http.StatusNotFound, "NotFound")
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(obj.body)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if f.putStatus != 0 {
			code := "InternalError"
			if f.putStatus == http.StatusInsufficientStorage {
				code = "XMinioStorageFull"
			}
			writeError(w, r, f.putStatus, code)
			return
		}
		if _, ok := f.objects[key]; ok && r.Header.Get("If-None-Match") == "*" {
			writeError(w, r, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = fakeObject{body: body, contentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func newTestBackend(t *testing.T, fake *fakeS3) *Backend {
	t.Helper()
	logging.InitDefault()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	b, err := New(context.Background(), Config{
		Endpoint:    srv.URL,
		Bucket:      fake.bucket,
		AccessKey:   "test",
		SecretKey:   "test",
		Region:      "us-east-1",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestEnsureContainerCreatesBucketAndMarker(t *testing.T) {
	fake := newFakeS3("outputs")
	b := newTestBackend(t, fake)
	ctx := context.Background()

	id, err := b.EnsureContainer(ctx, "ComfyUI-Outputs")
	if err != nil {
		t.Fatalf("EnsureContainer: %v", err)
	}
	if id != "ComfyUI-Outputs/" {
		t.Errorf("container id = %q", id)
	}
	fake.mu.Lock()
	created := fake.bucketExists
	fake.mu.Unlock()
	if !created {
		t.Error("bucket was not created")
	}
	if _, ok := fake.object("ComfyUI-Outputs/"); !ok {
		t.Error("folder marker was not created")
	}

	again, err := b.EnsureContainer(ctx, "ComfyUI-Outputs")
	if err != nil {
		t.Fatalf("second EnsureContainer: %v", err)
	}
	if again != id {
		t.Errorf("second id = %q, want %q", again, id)
	}
	if n := fake.objectCount(); n != 1 {
		t.Errorf("objects = %d, want 1", n)
	}
}

func TestCreateStoresObject(t *testing.T) {
	fake := newFakeS3("outputs")
	fake.bucketExists = true
	b := newTestBackend(t, fake)

	data := []byte("\x89PNG fake image")
	key, err := b.Create(context.Background(), "ComfyUI-Outputs/", "a.png", bytes.NewReader(data), int64(len(data)), "image/png")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if key != "ComfyUI-Outputs/a.png" {
		t.Errorf("key = %q", key)
	}
	obj, _ := fake.object(key)
	if !bytes.Equal(obj.body, data) {
		t.Errorf("stored body = %q", obj.body)
	}
	if obj.contentType != "image/png" {
		t.Errorf("content type = %q", obj.contentType)
	}
}

func TestCreateNeverOverwrites(t *testing.T) {
	fake := newFakeS3("outputs")
	fake.bucketExists = true
	fake.objects["c/a.png"] = fakeObject{body: []byte("old")}
	b := newTestBackend(t, fake)

	key, err := b.Create(context.Background(), "c/", "a.png", strings.NewReader("new"), 3, "image/png")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if key != "c/a (1).png" {
		t.Errorf("key = %q, want c/a (1).png", key)
	}
	if old, _ := fake.object("c/a.png"); string(old.body) != "old" {
		t.Error("existing object was overwritten")
	}
	if obj, _ := fake.object(key); string(obj.body) != "new" {
		t.Errorf("new object body = %q", obj.body)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeS3)
		target error
	}{
		{"access denied", func(f *fakeS3) { f.deny = true }, blobstore.ErrAuth},
		{"server error", func(f *fakeS3) { f.putStatus = http.StatusInternalServerError }, blobstore.ErrTransient},
		{"storage full", func(f *fakeS3) { f.putStatus = http.StatusInsufficientStorage }, blobstore.ErrQuota},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeS3("outputs")
			fake.bucketExists = true
			tt.setup(fake)
			b := newTestBackend(t, fake)

			_, err := b.Create(context.Background(), "c/", "a.png", strings.NewReader("x"), 1, "image/png")
			if !errors.Is(err, tt.target) {
				t.Fatalf("err = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestEnsureContainerAuthFailure(t *testing.T) {
	fake := newFakeS3("outputs")
	fake.deny = true
	b := newTestBackend(t, fake)

	_, err := b.EnsureContainer(context.Background(), "ComfyUI-Outputs")
	if !blobstore.IsAuth(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.requests) != 1 {
		t.Errorf("requests after auth failure = %v, want only the bucket check", fake.requests)
	}
}
