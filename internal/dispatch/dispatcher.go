// Package dispatch turns a settled path into at most one remote upload.
//
// TryUpload derives the file's identity, consults the ledger, uploads
// through the blob store and commits the result. The ledger is written
// before an upload is reported as done.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/ledger"
	"github.com/fruitsalade/dropsync/internal/logging"
	"github.com/fruitsalade/dropsync/internal/retry"
)

// Status is the result class of one TryUpload call.
type Status int

const (
	Skipped Status = iota
	Uploaded
	Failed
)

func (s Status) String() string {
	switch s {
	case Skipped:
		return "skipped"
	case Uploaded:
		return "uploaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Skip and failure reasons.
const (
	ReasonAlreadyUploaded = "already_uploaded"
	ReasonInFlight        = "in_flight"
	ReasonVanished        = "vanished"
	ReasonNotRegular      = "not_regular"
	ReasonEmpty           = "empty"
	ReasonRead            = "read_error"
	ReasonLedger          = "ledger_write"
)

// Outcome describes what happened to one path.
type Outcome struct {
	Status   Status
	Path     string
	Identity string
	RemoteID string
	Size     int64
	Reason   string
	Err      error
	Attempts int
	Duration time.Duration
}

// Ledger is the part of the upload ledger the dispatcher needs.
type Ledger interface {
	Has(identity string) bool
	Commit(r ledger.Record) error
}

// Config controls identity derivation and remote calls.
type Config struct {
	IdentityMode string
	ContainerID  string

	// Timeout bounds each BlobStore call.
	Timeout time.Duration

	// Attempts is the number of tries for transient remote failures.
	// 1 means no retry.
	Attempts int
}

// Dispatcher performs uploads. It is safe for concurrent use.
type Dispatcher struct {
	store  blobstore.BlobStore
	ledger Ledger
	cfg    Config
	policy retry.Policy
	group  singleflight.Group
	now    func() time.Time
}

// New creates a dispatcher writing into cfg.ContainerID, which must come
// from store.EnsureContainer.
func New(store blobstore.BlobStore, led Ledger, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IdentityMode == "" {
		cfg.IdentityMode = ModeName
	}
	policy := retry.DefaultPolicy(cfg.Attempts)
	policy.ShouldRetry = blobstore.IsTransient

	return &Dispatcher{
		store:  store,
		ledger: led,
		cfg:    cfg,
		policy: policy,
		now:    time.Now,
	}
}

// TryUpload uploads the file at path unless its identity is already in
// the ledger. Once the remote call starts it runs to completion even if
// ctx is canceled; ctx only cuts retry waits short.
func (d *Dispatcher) TryUpload(ctx context.Context, path string) Outcome {
	start := time.Now()
	out := d.tryUpload(ctx, path)
	out.Path = path
	out.Duration = time.Since(start)
	return out
}

func (d *Dispatcher) tryUpload(ctx context.Context, path string) Outcome {
	name := filepath.Base(path)
	identity := ""
	if d.cfg.IdentityMode == ModeName {
		identity = name
		if d.ledger.Has(identity) {
			return d.alreadyUploaded(path, identity)
		}
	}

	f, info, err := openRegular(path)
	if err != nil {
		return fileStateOutcome(identity, err)
	}
	defer f.Close()

	// Content identities are hashed from the descriptor that is uploaded.
	if identity, err = d.identify(name, f); err != nil {
		return fileStateOutcome(identity, err)
	}
	if d.ledger.Has(identity) {
		return d.alreadyUploaded(path, identity)
	}
	if info.Size() == 0 {
		return Outcome{Status: Skipped, Identity: identity, Reason: ReasonEmpty}
	}

	executed := false
	v, _, _ := d.group.Do(identity, func() (interface{}, error) {
		executed = true
		return d.upload(ctx, f, path, identity, info.Size()), nil
	})
	if !executed {
		return Outcome{Status: Skipped, Identity: identity, Reason: ReasonInFlight}
	}
	return v.(Outcome)
}

func (d *Dispatcher) identify(name string, f *os.File) (string, error) {
	switch d.cfg.IdentityMode {
	case ModeName:
		return name, nil
	case ModeContent:
		id, err := contentIdentity(name, f)
		if err != nil {
			return "", err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewind %s: %w", name, err)
		}
		return id, nil
	default:
		return "", fmt.Errorf("unknown identity mode %q", d.cfg.IdentityMode)
	}
}

func (d *Dispatcher) alreadyUploaded(path, identity string) Outcome {
	logging.Debug("already uploaded", logging.Path(path), zap.String("identity", identity))
	return Outcome{Status: Skipped, Identity: identity, Reason: ReasonAlreadyUploaded}
}

// upload runs once per identity at a time. f is positioned at the start.
func (d *Dispatcher) upload(ctx context.Context, f *os.File, path, identity string, size int64) Outcome {
	// A flight for the same identity may have committed since the check
	// in tryUpload.
	if d.ledger.Has(identity) {
		return Outcome{Status: Skipped, Identity: identity, Reason: ReasonAlreadyUploaded}
	}

	name := filepath.Base(path)
	mimeType := MIMEType(name)
	detached := context.WithoutCancel(ctx)

	var remoteID string
	attempts := 0
	err := retry.Do(ctx, d.policy, func(attempt int) error {
		attempts = attempt
		if attempt > 1 {
			logging.Info("retrying upload",
				logging.Path(path), zap.Int("attempt", attempt))
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind %s: %w", path, err)
			}
		}
		callCtx, cancel := context.WithTimeout(detached, d.cfg.Timeout)
		defer cancel()

		id, err := d.store.Create(callCtx, d.cfg.ContainerID, name, f, size, mimeType)
		if err != nil {
			return err
		}
		remoteID = id
		return nil
	})
	if err != nil {
		return Outcome{
			Status:   Failed,
			Identity: identity,
			Size:     size,
			Reason:   blobstore.KindOf(err).String(),
			Err:      err,
			Attempts: attempts,
		}
	}

	out := Outcome{
		Status:   Uploaded,
		Identity: identity,
		RemoteID: remoteID,
		Size:     size,
		Attempts: attempts,
	}
	err = d.ledger.Commit(ledger.Record{
		Identity:   identity,
		RemoteID:   remoteID,
		UploadedAt: d.now(),
		Size:       size,
		Path:       path,
	})
	switch {
	case err == nil:
		return out
	case errors.Is(err, ledger.ErrExists):
		logging.Warn("identity recorded by another writer during upload",
			zap.String("identity", identity), zap.String("remote_id", remoteID))
		return out
	default:
		out.Status = Failed
		out.Reason = ReasonLedger
		out.Err = err
		return out
	}
}

// fileStateOutcome maps a local file error: a missing or non-regular
// file is a skip, anything else is a failure.
func fileStateOutcome(identity string, err error) Outcome {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Outcome{Status: Skipped, Identity: identity, Reason: ReasonVanished}
	case errors.Is(err, errNotRegular):
		return Outcome{Status: Skipped, Identity: identity, Reason: ReasonNotRegular}
	}
	return Outcome{Status: Failed, Identity: identity, Reason: ReasonRead, Err: err}
}
