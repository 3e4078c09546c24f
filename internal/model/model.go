// Package model holds the data types shared across the ingest pipeline:
// the immutable work descriptor, watcher scan records, and the watcher's
// pending set. The session descriptor and its counters live in package
// session.
package model

// WorkItem is an immutable unit of work representing one file to be
// claimed, staged, uploaded, and marked complete. Constructed once by the
// watcher or recovery and never mutated afterward.
type WorkItem struct {
	SourcePath   string
	SessionName  string
	DatePrefix   string
	Filename     string
	FromRecovery bool
}

// BlobName returns the blob path this item uploads to: <date>/<session>/<filename>.
func (w WorkItem) BlobName() string {
	return w.DatePrefix + "/" + w.SessionName + "/" + w.Filename
}

// ScanRecord is a per-watcher-iteration snapshot of one file's (size, mtime).
type ScanRecord struct {
	Size  int64
	MTime int64 // unix nanoseconds, for exact equality across cycles
}

// ScanMap is the watcher's per-cycle directory listing: filename -> ScanRecord.
type ScanMap map[string]ScanRecord

// PendingSet is the watcher-local set of filenames already enqueued but not
// yet renamed by a worker. It is owned exclusively by the watcher goroutine.
type PendingSet map[string]struct{}
