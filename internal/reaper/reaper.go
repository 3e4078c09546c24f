// Package reaper periodically sweeps .processing/ for completion markers
// (unlinking them) and bottom-up prunes empty directories left behind
// (§4.6). All errors are logged and ignored — the next cycle retries, and
// if the mount is wedged the external liveness probe is the backstop.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ingestd/internal/config"
	"ingestd/internal/fsio"
	"ingestd/internal/log"
	"ingestd/internal/telemetry"

	"github.com/rs/zerolog"
)

const completedSuffix = ".completed"

// Reaper owns the periodic sweep.
type Reaper struct {
	cfg    config.Config
	logger zerolog.Logger
}

// New builds a Reaper.
func New(cfg config.Config) *Reaper {
	return &Reaper{cfg: cfg, logger: log.WithComponent("reaper")}
}

// Run ticks every cfg.ReaperInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	interval := r.cfg.ReaperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	root := r.cfg.NFSProcessingRoot

	var markers []string
	err := fsio.Abandon(ctx, func() error {
		return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if fsio.IsGone(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			if strings.HasSuffix(d.Name(), completedSuffix) {
				markers = append(markers, path)
			}
			return nil
		})
	})
	if err != nil {
		if fsio.IsGone(err) {
			return
		}
		telemetry.ScanErrors.Inc()
		r.logger.Warn().Err(err).Msg("reaper: walk .processing failed")
		return
	}

	for _, marker := range markers {
		if err := fsio.Remove(ctx, marker); err != nil {
			if !fsio.IsGone(err) {
				r.logger.Debug().Err(err).Str("path", marker).Msg("reaper: could not delete marker")
			}
			continue
		}
		telemetry.ReaperMarkersDeleted.Inc()
	}

	r.pruneEmptyDirs(ctx, root)
}

// pruneEmptyDirs removes empty <session>/ and <date>/ directories
// bottom-up, leaving root itself in place.
func (r *Reaper) pruneEmptyDirs(ctx context.Context, root string) {
	var dirs []string
	_ = fsio.Abandon(ctx, func() error {
		return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				r.logger.Debug().Err(err).Str("path", path).Msg("reaper: prune walk error")
				return nil //nolint:nilerr // best-effort sweep
			}
			if d.IsDir() && path != root {
				dirs = append(dirs, path)
			}
			return nil
		})
	})

	// Deepest paths first so a session dir empties before its date parent
	// is considered.
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		entries, err := readDir(ctx, dir)
		if err != nil {
			r.logger.Debug().Err(err).Str("path", dir).Msg("reaper: could not list dir")
			continue
		}
		if len(entries) > 0 {
			continue
		}
		if err := fsio.Remove(ctx, dir); err != nil {
			r.logger.Debug().Err(err).Str("path", dir).Msg("reaper: could not prune dir")
			continue
		}
		telemetry.ReaperDirsPruned.Inc()
	}
}

// readDir lists dir off the event loop via fsio.Abandon, consistent with
// every other NFS-touching call in this file.
func readDir(ctx context.Context, dir string) ([]os.DirEntry, error) {
	var entries []os.DirEntry
	err := fsio.Abandon(ctx, func() error {
		es, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		entries = es
		return nil
	})
	return entries, err
}
