// Package recovery runs once at startup: it walks .processing/ for
// unfinished files (no .completed sibling), enqueues them, and selects
// the lexicographically-largest (date, session) pair to auto-resume as
// the active session (§4.5).
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ingestd/internal/config"
	"ingestd/internal/fsio"
	"ingestd/internal/log"
	"ingestd/internal/model"
	"ingestd/internal/queue"
	"ingestd/internal/session"
	"ingestd/internal/telemetry"
)

const completedSuffix = ".completed"

// Run scans cfg.NFSProcessingRoot, enqueues a WorkItem (FromRecovery=true)
// for every unfinished file found, and — if any were found — resumes the
// lexicographically-largest (date, session) pair. Returns the count of
// items enqueued. Running Run twice in sequence on the same tree is a
// no-op the second time once the first run's items have all reached
// .completed or been claimed elsewhere (§8).
func Run(ctx context.Context, cfg config.Config, q *queue.Queue, sess *session.Descriptor) (int, error) {
	logger := log.WithComponent("recovery")

	items, err := scanProcessing(ctx, cfg.NFSProcessingRoot)
	if err != nil {
		return 0, fmt.Errorf("recovery: scan .processing: %w", err)
	}
	if len(items) == 0 {
		logger.Info().Msg("recovery: nothing to resume")
		return 0, nil
	}

	last := items[0]
	for _, it := range items[1:] {
		if laterThan(it, last) {
			last = it
		}
	}
	session.Resume(sess, last.SessionName, last.DatePrefix)

	for _, item := range items {
		if err := q.Enqueue(ctx, item); err != nil {
			return 0, fmt.Errorf("recovery: enqueue: %w", err)
		}
		telemetry.QueueDepth.Set(float64(q.Len()))
	}

	logger.Info().
		Int("count", len(items)).
		Str("date_prefix", last.DatePrefix).
		Str("session_name", last.SessionName).
		Msg("recovery: re-enqueued unfinished files, resuming session")
	return len(items), nil
}

func laterThan(a, b model.WorkItem) bool {
	if a.DatePrefix != b.DatePrefix {
		return a.DatePrefix > b.DatePrefix
	}
	return a.SessionName > b.SessionName
}

// scanProcessing walks <root>/<date>/<session>/<file> and returns a
// WorkItem for every regular file that is not a completion marker. Every
// level of the walk is a blocking NFS enumerate (§5), so each one is
// dispatched through fsio.Abandon the same way watcher.scanDirectory does,
// rather than calling os.ReadDir directly.
func scanProcessing(ctx context.Context, root string) ([]model.WorkItem, error) {
	var items []model.WorkItem

	dateEntries, err := readDir(ctx, root)
	if err != nil {
		return nil, err
	}
	sort.Slice(dateEntries, func(i, j int) bool { return dateEntries[i].Name() < dateEntries[j].Name() })

	for _, dateEntry := range dateEntries {
		if !dateEntry.IsDir() {
			continue
		}
		datePrefix := dateEntry.Name()
		dateDir := filepath.Join(root, datePrefix)

		sessionEntries, err := readDir(ctx, dateDir)
		if err != nil {
			return nil, err
		}
		sort.Slice(sessionEntries, func(i, j int) bool { return sessionEntries[i].Name() < sessionEntries[j].Name() })

		for _, sessionEntry := range sessionEntries {
			if !sessionEntry.IsDir() {
				continue
			}
			sessionName := sessionEntry.Name()
			sessionDir := filepath.Join(dateDir, sessionName)

			fileEntries, err := readDir(ctx, sessionDir)
			if err != nil {
				return nil, err
			}
			for _, fe := range fileEntries {
				if fe.IsDir() {
					continue
				}
				if strings.HasSuffix(fe.Name(), completedSuffix) {
					continue
				}
				items = append(items, model.WorkItem{
					SourcePath:   filepath.Join(sessionDir, fe.Name()),
					SessionName:  sessionName,
					DatePrefix:   datePrefix,
					Filename:     fe.Name(),
					FromRecovery: true,
				})
			}
		}
	}
	return items, nil
}

// readDir lists dir off the event loop via fsio.Abandon, so a wedged NFS
// mount never blocks this scan past ctx cancellation (§5, §9). A missing
// directory is not an error — it is treated as empty, mirroring every
// other level of this walk and watcher.scanDirectory.
func readDir(ctx context.Context, dir string) ([]os.DirEntry, error) {
	var entries []os.DirEntry
	err := fsio.Abandon(ctx, func() error {
		es, err := os.ReadDir(dir)
		if err != nil {
			if fsio.IsGone(err) {
				return nil
			}
			return err
		}
		entries = es
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
