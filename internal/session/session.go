// Package session owns the single active-session descriptor: naming,
// grammar validation, directory creation, and the start/stop lifecycle.
// The descriptor is a cache — the filesystem layout remains the source of
// truth (spec §3 Ownership) — but its counters must be safe for concurrent
// increment from every worker.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"ingestd/internal/config"

	"github.com/google/uuid"
)

var nameGrammar = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// GenerateName returns an auto-generated session name. The "00-" prefix
// exists so lexicographic sort keeps auto names chronological even when
// mixed with user-provided ones (§6).
func GenerateName() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("session: generate uuidv7: %w", err)
	}
	return "00-session-" + id.String(), nil
}

// ValidateName checks a user-supplied session name against the control
// surface grammar (§6). An empty name fails validation; callers treat an
// empty name as "auto-generate" and do not pass it here.
func ValidateName(name string) error {
	if !nameGrammar.MatchString(name) {
		return fmt.Errorf("session: name %q does not match [A-Za-z0-9_.-]+", name)
	}
	return nil
}

// Descriptor is the mutable, process-owned session state. Counters are
// atomic.Int64 values so that workers on separate
// goroutines can increment them without a surrounding lock (§5 Shared
// resources); name/date/active are guarded by mu since they change only on
// start/stop, which is rare relative to counter increments.
type Descriptor struct {
	mu sync.RWMutex

	active     bool
	name       string
	datePrefix string

	processedOK  atomic.Int64
	processedErr atomic.Int64

	errMu     sync.Mutex
	lastError string
}

// Snapshot is a consistent, point-in-time read of the descriptor.
type Snapshot struct {
	Active       bool
	Name         string
	DatePrefix   string
	ProcessedOK  int64
	ProcessedErr int64
	LastError    string
}

// Snapshot returns a consistent read of the descriptor's current state.
func (d *Descriptor) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.errMu.Lock()
	lastErr := d.lastError
	d.errMu.Unlock()
	return Snapshot{
		Active:       d.active,
		Name:         d.name,
		DatePrefix:   d.datePrefix,
		ProcessedOK:  d.processedOK.Load(),
		ProcessedErr: d.processedErr.Load(),
		LastError:    lastErr,
	}
}

// Active reports whether a session is currently active, and if so its name
// and date prefix. Consulted by the watcher every cycle.
func (d *Descriptor) Active() (active bool, name, datePrefix string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active, d.name, d.datePrefix
}

// IncrementOK records one successfully processed file.
func (d *Descriptor) IncrementOK() {
	d.processedOK.Add(1)
}

// IncrementErr records one failed file and updates the short last-error
// context string (§4.3 error policy).
func (d *Descriptor) IncrementErr(context string) {
	d.processedErr.Add(1)
	d.errMu.Lock()
	d.lastError = context
	d.errMu.Unlock()
}

// ErrAlreadyActive is returned by Start when a session is already running.
var ErrAlreadyActive = fmt.Errorf("session already active")

// Start begins a new session: validates or generates the name, captures
// the UTC date prefix, creates the NFS incoming/processing and local
// staging directory trees, and marks the descriptor active. Returns the
// bound (datePrefix, name).
func Start(d *Descriptor, cfg config.Config, requestedName string) (datePrefix, name string, err error) {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return "", "", ErrAlreadyActive
	}
	d.mu.Unlock()

	name = requestedName
	if name == "" {
		name, err = GenerateName()
		if err != nil {
			return "", "", err
		}
	} else if err := ValidateName(name); err != nil {
		return "", "", err
	}

	datePrefix = time.Now().UTC().Format("20060102")

	incomingDir := filepath.Join(cfg.NFSIncomingRoot, name)
	processingDir := filepath.Join(cfg.NFSProcessingRoot, datePrefix, name)
	stagingDir := filepath.Join(cfg.LocalStagingRoot, datePrefix, name)

	if err := os.MkdirAll(incomingDir, 0o755); err != nil {
		return "", "", fmt.Errorf("session: create incoming dir: %w", err)
	}
	if err := os.MkdirAll(processingDir, 0o755); err != nil {
		return "", "", fmt.Errorf("session: create processing dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", "", fmt.Errorf("session: create staging dir: %w", err)
	}

	d.mu.Lock()
	d.active = true
	d.name = name
	d.datePrefix = datePrefix
	d.mu.Unlock()

	return datePrefix, name, nil
}

// Resume sets the descriptor active without creating directories — used by
// recovery (§4.5) to auto-resume the lexicographically-last session found
// under .processing/, which already has its directories.
func Resume(d *Descriptor, name, datePrefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
	d.name = name
	d.datePrefix = datePrefix
}

// Stop deactivates the session. Name and date prefix are preserved, so
// status still reports the last session. Queued and in-flight work items
// carry their own date prefix and session name, so workers keep draining
// them unaffected (§4.5 Open Questions: drain, don't clear).
func Stop(d *Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
}
