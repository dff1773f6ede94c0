// Package blobstore defines the remote store uploads are written to.
//
// Backends live in subpackages (s3, local). Every backend reports failures
// as *Error so callers can tell credentials problems from transient ones.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// BlobStore is the interface for remote upload targets.
type BlobStore interface {
	// EnsureContainer finds or creates the named container and returns its
	// id. Calling it twice with the same name returns the same id.
	EnsureContainer(ctx context.Context, name string) (string, error)

	// Create stores body as a new blob called name inside the container and
	// returns the remote id. size is the exact number of bytes in body.
	Create(ctx context.Context, containerID, name string, body io.Reader, size int64, mimeType string) (string, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Kind classifies a blob store failure.
type Kind int

const (
	// Transient failures (network, 5xx, throttling) may succeed later.
	Transient Kind = iota
	// Auth failures mean the credentials are missing, expired or rejected.
	Auth
	// Quota failures mean the remote refused the write for lack of space.
	Quota
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Quota:
		return "quota"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrTransient = errors.New("blobstore: transient failure")
	ErrAuth      = errors.New("blobstore: authentication failed")
	ErrQuota     = errors.New("blobstore: quota exceeded")
)

// Error is a classified backend failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrAuth:
		return e.Kind == Auth
	case ErrQuota:
		return e.Kind == Quota
	}
	return false
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsTransient reports whether err may succeed on a later attempt.
// Unclassified errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == Transient
	}
	return !errors.Is(err, context.Canceled)
}

// KindOf returns the kind of err, defaulting to Transient.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Transient
}

// CandidateName returns the name to try for the n-th collision of name:
// "a.png", "a (1).png", "a (2).png".
func CandidateName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}

// MaxCollisions bounds how many alternative names Create tries.
const MaxCollisions = 100
