// Package worker drives each WorkItem through the claim -> stage -> upload
// -> mark -> clean pipeline (§4.3). N workers consume the shared queue
// concurrently; they never communicate directly with each other, only
// through the filesystem (rename as lock) and the queue.
package worker

import (
	"context"
	"fmt"
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
)

// Uploader is the subset of the blob-upload boundary a worker needs.
type Uploader interface {
	Upload(ctx context.Context, blobName, localPath string, size int64) error
	VerifyUpload(ctx context.Context, blobName string, wantSize int64) error
}

const completedSuffix = ".completed"

// Pool runs cfg.WorkerCount concurrent workers draining q.
type Pool struct {
	cfg      config.Config
	queue    *queue.Queue
	uploader Uploader
	session  *session.Descriptor
	logger   zerolog.Logger
}

// NewPool builds a worker Pool.
func NewPool(cfg config.Config, q *queue.Queue, uploader Uploader, sess *session.Descriptor) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		uploader: uploader,
		session:  sess,
		logger:   log.WithComponent("worker"),
	}
}

// Run starts cfg.WorkerCount goroutines and blocks until all of them exit
// (ctx cancellation or queue closed + drained). Ordering between workers
// is unspecified; within one item, steps run strictly sequentially.
func (p *Pool) Run(ctx context.Context) error {
	done := make(chan struct{}, p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := fmt.Sprintf("worker-%d", i)
		go func() {
			defer func() { done <- struct{}{} }()
			p.runOne(ctx, id)
		}()
	}
	for i := 0; i < p.cfg.WorkerCount; i++ {
		<-done
	}
	return nil
}

func (p *Pool) runOne(ctx context.Context, id string) {
	logger := p.logger.With().Str("worker_id", id).Logger()
	for {
		item, ok, err := p.queue.Dequeue(ctx)
		if err != nil || !ok {
			return
		}
		telemetry.QueueDepth.Set(float64(p.queue.Len()))
		p.processItem(ctx, logger, item)
	}
}

// processItem executes one file's full pipeline. Any error confines
// itself to this item (§7 item-fs / item-upload): it increments
// processed_err, records last_error, and moves on — the file simply
// remains wherever it failed, to be rediscovered by a future recovery
// scan.
func (p *Pool) processItem(ctx context.Context, logger zerolog.Logger, item model.WorkItem) {
	processingDir := filepath.Join(p.cfg.NFSProcessingRoot, item.DatePrefix, item.SessionName)
	processingPath := filepath.Join(processingDir, item.Filename)
	stagingDir := filepath.Join(p.cfg.LocalStagingRoot, item.DatePrefix, item.SessionName)
	stagingPath := filepath.Join(stagingDir, item.Filename)
	blobName := item.BlobName()

	if !item.FromRecovery {
		if err := fsio.MkdirAll(ctx, processingDir, 0o755); err != nil {
			p.fail(logger, item, fmt.Errorf("ensure processing dir: %w", err))
			return
		}
		if err := fsio.Rename(ctx, item.SourcePath, processingPath); err != nil {
			if fsio.IsGone(err) {
				// Another replica's worker won the claim race (I4): benign,
				// not an error, drop silently.
				logger.Debug().Str("file_name", item.Filename).Msg("claim race lost, file already claimed")
				return
			}
			p.fail(logger, item, fmt.Errorf("claim rename: %w", err))
			return
		}
	}

	if err := fsio.MkdirAll(ctx, stagingDir, 0o755); err != nil {
		p.fail(logger, item, fmt.Errorf("ensure staging dir: %w", err))
		return
	}
	if err := fsio.CopyAtomic(ctx, processingPath, stagingPath); err != nil {
		p.fail(logger, item, fmt.Errorf("stage copy: %w", err))
		return
	}

	info, err := os.Stat(stagingPath)
	if err != nil {
		p.fail(logger, item, fmt.Errorf("stat staged file: %w", err))
		return
	}
	size := info.Size()

	start := time.Now()
	if err := p.uploader.Upload(ctx, blobName, stagingPath, size); err != nil {
		p.fail(logger, item, fmt.Errorf("upload: %w", err))
		return
	}
	duration := time.Since(start)
	if err := p.uploader.VerifyUpload(ctx, blobName, size); err != nil {
		p.fail(logger, item, fmt.Errorf("verify upload: %w", err))
		return
	}
	telemetry.UploadDuration.Observe(duration.Seconds())
	telemetry.FileSize.Observe(float64(size))

	logger.Info().
		Str("file_name", item.Filename).
		Str("session_name", item.SessionName).
		Str("date_prefix", item.DatePrefix).
		Str("blob_name", blobName).
		Int64("size_bytes", size).
		Float64("duration_s", duration.Seconds()).
		Msg("upload complete")

	// Mark: the commit point from the pipeline's perspective (§4.3 step 4).
	completedPath := processingPath + completedSuffix
	if err := fsio.Rename(ctx, processingPath, completedPath); err != nil {
		p.fail(logger, item, fmt.Errorf("mark completed: %w", err))
		return
	}

	// Clean: best-effort, non-fatal (§4.3 step 5, §7 swallowed-cleanup).
	if err := fsio.Remove(ctx, stagingPath); err != nil {
		logger.Debug().Err(err).Str("file_name", item.Filename).
			Msg("could not delete staging file, ignoring (ephemeral, cleared on restart)")
	}

	p.session.IncrementOK()
	telemetry.FilesProcessed.Inc()
}

func (p *Pool) fail(logger zerolog.Logger, item model.WorkItem, cause error) {
	ctxMsg := fmt.Sprintf("%s: %v", item.Filename, cause)
	p.session.IncrementErr(ctxMsg)
	telemetry.FilesFailed.Inc()
	logger.Error().Err(cause).
		Str("file_name", item.Filename).
		Str("session_name", item.SessionName).
		Str("date_prefix", item.DatePrefix).
		Msg("failed to process file")
}
