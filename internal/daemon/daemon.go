// Package daemon wires every subsystem together: blob client validation ->
// session state -> queue -> HTTP server (readiness not yet set) ->
// recovery -> workers/watcher/reaper -> readiness flag. Config and logger
// are set up by cmd/ingestd before Run is called. An error returned by any
// supervised goroutine cancels the shared context via errgroup, which
// stops the others and surfaces the error to the main goroutine.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ingestd/internal/blobstore"
	"ingestd/internal/config"
	"ingestd/internal/control"
	"ingestd/internal/log"
	"ingestd/internal/queue"
	"ingestd/internal/reaper"
	"ingestd/internal/recovery"
	"ingestd/internal/session"
	"ingestd/internal/watcher"
	"ingestd/internal/worker"

	"golang.org/x/sync/errgroup"
)

// Run assembles and runs the daemon until ctx is cancelled, then shuts
// down the HTTP server and waits for every supervised goroutine to exit.
// Returns the first fatal error encountered, if any.
func Run(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("daemon")

	// 1. Blob client: fail-fast auth + container validation (§4.4, §7
	// fatal-auth / fatal-container).
	blobClient, err := blobstore.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("daemon: blob client init: %w", err)
	}
	logger.Info().Str("container", cfg.AzureContainer).Msg("blob client validated")

	// 2. Session state (cache over the directory tree, §3 Ownership).
	sess := &session.Descriptor{}

	// 3. Work queue (§4.2).
	q := queue.New(cfg.QueueCapacity)

	// 4. Control surface, built early so readiness can be gated explicitly.
	ctrl := control.New(cfg, sess)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("control surface listening")
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	// 5. Recovery: one-shot, before workers/watcher start (§4.5).
	recovered, err := recovery.Run(gctx, cfg, q, sess)
	if err != nil {
		_ = httpServer.Shutdown(context.Background())
		return fmt.Errorf("daemon: recovery: %w", err)
	}
	logger.Info().Int("recovered", recovered).Msg("recovery complete")

	// 6. Background subsystems.
	pool := worker.NewPool(cfg, q, blobClient, sess)
	g.Go(func() error { return pool.Run(gctx) })

	w := watcher.New(cfg, sess, q)
	g.Go(func() error { return w.Run(gctx) })

	rp := reaper.New(cfg)
	g.Go(func() error { return rp.Run(gctx) })

	// Startup is complete: telemetry is always up (promauto registers at
	// package init), blob client validated, recovery done, background
	// tasks launched. Flip readiness (§6 ready(), supplemented feature #2).
	ctrl.SetReady(true)
	logger.Info().Msg("daemon ready")

	<-gctx.Done()

	// Shutdown: gctx is already cancelled, so watcher/workers/reaper are
	// exiting at their own suspension points. Shut the HTTP server down
	// (stop admitting new session starts), then wait for all of them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
