// Package local stores uploads on the local filesystem, e.g. a mounted
// network share.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/logging"
	"github.com/fruitsalade/dropsync/internal/metrics"
)

const backendType = "local"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements blobstore.BlobStore on a directory tree. A container
// is a directory directly under the root.
type Backend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath}, nil
}

// EnsureContainer creates the container directory if needed. The id is
// the container name.
func (b *Backend) EnsureContainer(_ context.Context, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", blobstore.NewError(blobstore.Transient, "create_container", err)
	}
	start := time.Now()
	err := os.MkdirAll(filepath.Join(b.rootPath, name), 0755)
	metrics.RecordBlobOperation(backendType, "create_container", time.Since(start), err == nil)
	if err != nil {
		return "", classify("create_container", err)
	}
	return name, nil
}

// Create writes body into the container atomically. An existing file is
// never replaced: the name gets a " (n)" suffix instead. The remote id is
// the slash-separated path relative to the root.
func (b *Backend) Create(ctx context.Context, containerID, name string, body io.Reader, size int64, _ string) (string, error) {
	if err := validName(containerID); err != nil {
		return "", blobstore.NewError(blobstore.Transient, "create", err)
	}
	if err := validName(name); err != nil {
		return "", blobstore.NewError(blobstore.Transient, "create", err)
	}
	dir := filepath.Join(b.rootPath, containerID)

	start := time.Now()
	tmpName, err := writeTemp(ctx, dir, body, size)
	if err != nil {
		metrics.RecordBlobOperation(backendType, "create", time.Since(start), false)
		return "", err
	}

	for n := 0; n < blobstore.MaxCollisions; n++ {
		candidate := blobstore.CandidateName(name, n)
		target := filepath.Join(dir, candidate)

		// Link fails if target exists, so an existing file is never replaced.
		err := os.Link(tmpName, target)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		os.Remove(tmpName)
		metrics.RecordBlobOperation(backendType, "create", time.Since(start), err == nil)
		if err != nil {
			return "", classify("create", fmt.Errorf("link %s: %w", candidate, err))
		}

		remoteID := containerID + "/" + candidate
		logging.Debug("local put object", zap.String("key", remoteID), zap.Int64("size", size))
		return remoteID, nil
	}

	os.Remove(tmpName)
	metrics.RecordBlobOperation(backendType, "create", time.Since(start), false)
	return "", blobstore.NewError(blobstore.Quota, "create", fmt.Errorf("too many files named like %s", name))
}

// writeTemp copies body into a hidden temp file in dir and syncs it.
func writeTemp(ctx context.Context, dir string, body io.Reader, size int64) (string, error) {
	tmp, err := os.CreateTemp(dir, ".dropsync-*.tmp")
	if err != nil {
		return "", classify("create", fmt.Errorf("create temp: %w", err))
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		return fail(classify("create", fmt.Errorf("write temp: %w", err)))
	}
	if n != size {
		return fail(blobstore.NewError(blobstore.Transient, "create",
			fmt.Errorf("short body: wrote %d of %d bytes", n, size)))
	}
	if err := tmp.Sync(); err != nil {
		return fail(classify("create", fmt.Errorf("sync temp: %w", err)))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", classify("create", fmt.Errorf("close temp: %w", err))
	}
	return tmpName, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return blobstore.NewError(blobstore.Auth, op, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return blobstore.NewError(blobstore.Quota, op, err)
	default:
		return blobstore.NewError(blobstore.Transient, op, err)
	}
}

// Type returns "local".
func (b *Backend) Type() string { return backendType }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
