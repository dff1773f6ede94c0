// Package daemon runs the watch loop: events feed the stability tracker,
// a ticker sweeps settled paths into the dispatcher, and every outcome is
// logged, counted and published.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropsync/internal/blobstore"
	"github.com/fruitsalade/dropsync/internal/dispatch"
	"github.com/fruitsalade/dropsync/internal/events"
	"github.com/fruitsalade/dropsync/internal/logging"
	"github.com/fruitsalade/dropsync/internal/metrics"
	"github.com/fruitsalade/dropsync/internal/stability"
	"github.com/fruitsalade/dropsync/internal/watcher"
)

// Source delivers filesystem events.
type Source interface {
	Events() <-chan events.FileEvent
}

// Uploader handles one settled path.
type Uploader interface {
	TryUpload(ctx context.Context, path string) dispatch.Outcome
}

// Config controls loop timing and concurrency.
type Config struct {
	QuietWindow   time.Duration
	SweepInterval time.Duration

	// Workers > 1 uploads on a worker pool instead of on the tick.
	Workers int

	// ScanExisting feeds every file already under Root to the tracker
	// before the first tick.
	ScanExisting bool
	Root         string
}

// Loop owns the long-running control flow.
type Loop struct {
	source      Source
	tracker     *stability.Tracker
	uploader    Uploader
	broadcaster *events.Broadcaster
	cfg         Config
	now         func() time.Time

	queue chan string
	wg    sync.WaitGroup
}

// New creates a loop. broadcaster may be nil.
func New(source Source, tracker *stability.Tracker, uploader Uploader, broadcaster *events.Broadcaster, cfg Config) *Loop {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Loop{
		source:      source,
		tracker:     tracker,
		uploader:    uploader,
		broadcaster: broadcaster,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Run blocks until ctx is canceled. On cancellation it stops ingesting
// events, starts no new upload, waits for in-flight uploads and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.ScanExisting && l.cfg.Root != "" {
		n := 0
		err := watcher.Scan(l.cfg.Root, func(ev events.FileEvent) {
			if l.observe(ev) {
				n++
			}
		})
		if err != nil {
			return fmt.Errorf("scan existing files: %w", err)
		}
		logging.Info("queued existing files", zap.Int("count", n))
	}

	pumpDone := make(chan struct{})
	go l.pump(ctx, pumpDone)

	if l.cfg.Workers > 1 {
		l.queue = make(chan string, l.cfg.Workers)
		for i := 0; i < l.cfg.Workers; i++ {
			l.wg.Add(1)
			go l.worker(ctx)
		}
	}

	logging.Info("watch loop started",
		zap.Duration("quiet_window", l.cfg.QuietWindow),
		zap.Duration("sweep_interval", l.cfg.SweepInterval),
		zap.Int("workers", l.cfg.Workers))

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-pumpDone
			if l.queue != nil {
				close(l.queue)
			}
			l.wg.Wait()
			logging.Info("watch loop stopped", zap.Int("pending", l.tracker.Len()))
			return nil
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Loop) pump(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	src := l.source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				logging.Warn("event source closed")
				return
			}
			l.observe(ev)
		}
	}
}

func (l *Loop) observe(ev events.FileEvent) bool {
	metrics.RecordFSEvent(ev.Kind.String())
	return l.tracker.Observe(ev)
}

// sweep hands every settled path to the uploader. Paths not yet pulled
// from the sweep when ctx is canceled stay pending.
func (l *Loop) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for path := range l.tracker.Sweep(l.now(), l.cfg.QuietWindow) {
		if l.queue == nil {
			l.handle(ctx, path)
		} else {
			select {
			case l.queue <- path:
			case <-ctx.Done():
				logging.Debug("shutdown before upload started", logging.Path(path))
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Loop) worker(ctx context.Context) {
	defer l.wg.Done()
	for path := range l.queue {
		if ctx.Err() != nil {
			logging.Debug("shutdown before upload started", logging.Path(path))
			continue
		}
		l.handle(ctx, path)
	}
}

func (l *Loop) handle(ctx context.Context, path string) {
	out := l.uploader.TryUpload(ctx, path)
	l.report(out)
}

// report logs, counts and publishes an outcome.
func (l *Loop) report(out dispatch.Outcome) {
	metrics.RecordUpload(out.Status.String(), out.Size, out.Duration)

	fields := []zap.Field{
		logging.Path(out.Path),
		zap.String("identity", out.Identity),
	}
	switch out.Status {
	case dispatch.Uploaded:
		logging.Info("uploaded", append(fields,
			zap.String("remote_id", out.RemoteID),
			zap.Int64("size", out.Size),
			zap.Duration("duration", out.Duration))...)
	case dispatch.Skipped:
		logging.Debug("skipped", append(fields, zap.String("reason", out.Reason))...)
	case dispatch.Failed:
		fields = append(fields,
			zap.String("reason", out.Reason),
			zap.Int("attempts", out.Attempts),
			logging.Err(out.Err))
		if blobstore.IsAuth(out.Err) {
			logging.Error("upload failed, credentials rejected", fields...)
		} else {
			logging.Warn("upload failed", fields...)
		}
	}

	l.broadcaster.Publish(events.Event{
		Type:     outcomeType(out.Status),
		Path:     out.Path,
		Identity: out.Identity,
		RemoteID: out.RemoteID,
		Size:     out.Size,
		Reason:   out.Reason,
	})
}

func outcomeType(s dispatch.Status) string {
	switch s {
	case dispatch.Uploaded:
		return events.OutcomeUploaded
	case dispatch.Failed:
		return events.OutcomeFailed
	default:
		return events.OutcomeSkipped
	}
}
