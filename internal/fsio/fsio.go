// Package fsio provides the NFS-aware filesystem primitives the pipeline
// needs: "gone" errno classification (ENOENT/ESTALE), an abandon-on-cancel
// wrapper for blocking syscalls that may hang indefinitely on a wedged
// mount, and an atomic, fsync'd staging copy.
package fsio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// IsGone reports whether err represents "the source no longer exists" in
// the NFS sense — either a plain ENOENT or NFS's own ESTALE (a stale file
// handle, issued when another replica already renamed or removed the
// file). stdlib os.IsNotExist cannot see ESTALE at all, which is exactly
// the NFS-specific errno spec §4.1/§7 calls out by name.
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESTALE) || os.IsNotExist(err)
}

// Abandon runs fn on a background goroutine and waits for either its
// result or ctx cancellation, whichever comes first. If ctx is cancelled
// first, Abandon returns ctx.Err() immediately and does NOT wait for fn —
// the goroutine is left running to completion (or to hang forever against
// a wedged NFS mount) and its result is discarded. This is the Go
// equivalent of the "abandon_on_cancel=True" facility spec §5/§9 requires:
// a hung D-state-equivalent NFS syscall must never block shutdown.
func Abandon(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rename performs os.Rename in an abandon-on-cancel background call.
func Rename(ctx context.Context, oldpath, newpath string) error {
	return Abandon(ctx, func() error { return os.Rename(oldpath, newpath) })
}

// MkdirAll performs os.MkdirAll in an abandon-on-cancel background call.
func MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return Abandon(ctx, func() error { return os.MkdirAll(path, perm) })
}

// Remove performs os.Remove in an abandon-on-cancel background call.
func Remove(ctx context.Context, path string) error {
	return Abandon(ctx, func() error { return os.Remove(path) })
}

// CopyAtomic copies src into dst using a temp-file-then-atomic-rename
// write on the destination filesystem, fsyncing before the rename so the
// staged copy is durable on local (ephemeral) storage before the worker
// treats it as upload-ready. Uses renameio for the write side since
// dst and src may live on different filesystems (NFS source, local
// ephemeral destination) — only the destination needs the atomic-rename
// treatment.
func CopyAtomic(ctx context.Context, src, dst string) error {
	return Abandon(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("fsio: mkdir staging dir: %w", err)
		}

		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("fsio: open source: %w", err)
		}
		defer in.Close()

		pending, err := renameio.NewPendingFile(dst)
		if err != nil {
			return fmt.Errorf("fsio: create pending staging file: %w", err)
		}
		defer pending.Cleanup()

		if _, err := io.Copy(pending, in); err != nil {
			return fmt.Errorf("fsio: copy to staging: %w", err)
		}

		// best-effort: preserve mtime on the staged copy for parity with the
		// source; not required for correctness since .processing/ remains
		// the authoritative copy (§9 Open Questions).
		if info, statErr := in.Stat(); statErr == nil {
			_ = os.Chtimes(pending.Name(), info.ModTime(), info.ModTime())
		}

		if err := pending.CloseAtomicallyReplace(); err != nil {
			return fmt.Errorf("fsio: atomic replace staging file: %w", err)
		}
		return nil
	})
}
