// Package watcher polls the active session's incoming directory and
// enqueues files once their (size, mtime) have been stable across two
// consecutive observations and their age clears the minimum threshold
// (§4.1). NFS offers no inotify-equivalent; this is the periodic
// discovery mechanism spec §9 calls for by design, not as a fallback.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"ingestd/internal/config"
	"ingestd/internal/fsio"
	"ingestd/internal/log"
	"ingestd/internal/model"
	"ingestd/internal/queue"
	"ingestd/internal/session"
	"ingestd/internal/telemetry"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBackoff = 60 * time.Second

// Watcher polls one active session's incoming directory.
type Watcher struct {
	cfg      config.Config
	session  *session.Descriptor
	queue    *queue.Queue
	logger   zerolog.Logger
	errLimit *rate.Limiter

	previous model.ScanMap
	pending  model.PendingSet
}

// New builds a Watcher. cfg.ScanErrorLogEvery (30s when unset) bounds how
// often a sustained scan error is logged (once per interval at most), so a
// wedged mount does not flood the log.
func New(cfg config.Config, sess *session.Descriptor, q *queue.Queue) *Watcher {
	errLogEvery := cfg.ScanErrorLogEvery
	if errLogEvery <= 0 {
		errLogEvery = 30 * time.Second
	}
	return &Watcher{
		cfg:      cfg,
		session:  sess,
		queue:    q,
		logger:   log.WithComponent("watcher"),
		errLimit: rate.NewLimiter(rate.Every(errLogEvery), 1),
		previous: model.ScanMap{},
		pending:  model.PendingSet{},
	}
}

// Run executes the poll loop until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := time.Duration(0)
	for {
		sleepFor := w.cfg.PollInterval + backoff
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleepFor):
		}

		active, sessionName, datePrefix := w.session.Active()
		if !active {
			w.previous = model.ScanMap{}
			w.pending = model.PendingSet{}
			backoff = 0
			continue
		}

		incomingDir := filepath.Join(w.cfg.NFSIncomingRoot, sessionName)
		current, err := w.scanDirectory(ctx, incomingDir)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			telemetry.ScanErrors.Inc()
			if w.errLimit.Allow() {
				w.logger.Warn().Err(err).Str("session_name", sessionName).
					Msg("NFS scan error")
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = 0

		w.pruneStalePending(current)

		now := time.Now()
		for filename, rec := range current {
			if _, isPending := w.pending[filename]; isPending {
				continue
			}
			prev, seen := w.previous[filename]
			if !seen || prev != rec {
				continue
			}
			if now.Sub(time.Unix(0, rec.MTime)) < w.cfg.MinFileAge {
				continue
			}

			item := model.WorkItem{
				SourcePath:   filepath.Join(incomingDir, filename),
				SessionName:  sessionName,
				DatePrefix:   datePrefix,
				Filename:     filename,
				FromRecovery: false,
			}
			if err := w.queue.Enqueue(ctx, item); err != nil {
				return nil
			}
			w.pending[filename] = struct{}{}
			telemetry.QueueDepth.Set(float64(w.queue.Len()))
			w.logger.Debug().Str("file_name", filename).Str("session_name", sessionName).
				Msg("enqueued stable file")
		}

		w.previous = current
	}
}

// pruneStalePending drops pending entries whose filename is no longer
// present in the current listing — the worker claimed it via rename.
func (w *Watcher) pruneStalePending(current model.ScanMap) {
	for name := range w.pending {
		if _, ok := current[name]; !ok {
			delete(w.pending, name)
		}
	}
}

// scanDirectory lists incomingDir off the event loop (NFS enumerate is a
// blocking syscall per §5) and returns a ScanMap of regular files passing
// the extension allow-list. A missing directory is not an error — it is
// treated as empty (§4.1).
func (w *Watcher) scanDirectory(ctx context.Context, dir string) (model.ScanMap, error) {
	result := model.ScanMap{}
	err := fsio.Abandon(ctx, func() error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if fsio.IsGone(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if entry.Type()&fs.ModeSymlink != 0 {
				continue
			}
			if !w.cfg.ExtensionAllowed(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				if fsio.IsGone(err) {
					continue
				}
				return err
			}
			result[entry.Name()] = model.ScanRecord{
				Size:  info.Size(),
				MTime: info.ModTime().UnixNano(),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return time.Second
	}
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
