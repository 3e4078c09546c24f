// Command ingestd runs the NFS-to-Azure-Blob ingest daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ingestd/internal/config"
	"ingestd/internal/daemon"
	"ingestd/internal/log"
)

func main() {
	log.Configure(log.Config{})
	logger := log.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("incoming_root", cfg.NFSIncomingRoot).
		Str("processing_root", cfg.NFSProcessingRoot).
		Str("staging_root", cfg.LocalStagingRoot).
		Int("workers", cfg.WorkerCount).
		Msg("ingestd starting")

	if err := daemon.Run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}
