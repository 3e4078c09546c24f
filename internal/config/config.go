package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the single, immutable-after-load configuration snapshot for the
// ingest daemon. It is assembled once at startup and passed by value to the
// components that need it.
type Config struct {
	// Azure (required)
	AzureAccountURL string
	AzureContainer  string

	// Azure (optional fallback auth, tried in order if DefaultAzureCredential fails)
	AzureConnectionString string
	AzureAccountName      string
	AzureAccountKey       string

	// NFS paths (shared root between incoming and processing is required —
	// claim renames must stay on one filesystem)
	NFSIncomingRoot   string
	NFSProcessingRoot string

	// Local ephemeral staging
	LocalStagingRoot string

	// Watcher tuning
	PollInterval      time.Duration
	MinFileAge        time.Duration
	FileExtensions    []string // normalized, lower-cased, leading-dot; empty = allow all
	ScanErrorLogEvery time.Duration

	// Queue and workers
	QueueCapacity    int
	WorkerCount      int
	AzureConcurrency int

	// Reaper
	ReaperInterval time.Duration

	// HTTP control surface
	ListenAddr string
}

// Load builds a Config from the process environment, logging the source
// (environment or default) of every field via the ParseX helpers.
func Load() (Config, error) {
	cfg := Config{
		AzureAccountURL:       ParseString("APP_AZURE_ACCOUNT_URL", ""),
		AzureContainer:        ParseString("APP_AZURE_CONTAINER", ""),
		AzureConnectionString: ParseString("APP_AZURE_CONNECTION_STRING", ""),
		AzureAccountName:      ParseString("APP_AZURE_ACCOUNT_NAME", ""),
		AzureAccountKey:       ParseString("APP_AZURE_ACCOUNT_KEY", ""),

		NFSIncomingRoot:   ParseString("APP_NFS_INCOMING_ROOT", "/mnt/nfs/incoming"),
		NFSProcessingRoot: ParseString("APP_NFS_PROCESSING_ROOT", "/mnt/nfs/.processing"),
		LocalStagingRoot:  ParseString("APP_LOCAL_STAGING_ROOT", "/mnt/staging"),

		PollInterval:      ParseDuration("APP_POLL_INTERVAL", 2*time.Second),
		MinFileAge:        ParseDuration("APP_MIN_FILE_AGE", 5*time.Second),
		FileExtensions:    normalizeExtensions(ParseStringSlice("APP_FILE_EXTENSIONS")),
		ScanErrorLogEvery: ParseDuration("APP_SCAN_ERROR_LOG_EVERY", 30*time.Second),

		QueueCapacity:    ParseInt("APP_QUEUE_CAPACITY", 2000),
		WorkerCount:      ParseInt("APP_WORKER_COUNT", 4),
		AzureConcurrency: ParseInt("APP_AZURE_CONCURRENCY", 8),

		ReaperInterval: ParseDuration("APP_REAPER_INTERVAL", 30*time.Second),

		ListenAddr: ParseString("APP_LISTEN_ADDR", ":8080"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fatal-configuration error kind (§7): required fields
// missing or structurally invalid abort startup before any worker runs.
func (c Config) Validate() error {
	if c.AzureAccountURL == "" {
		return fmt.Errorf("config: APP_AZURE_ACCOUNT_URL is required")
	}
	if c.AzureContainer == "" {
		return fmt.Errorf("config: APP_AZURE_CONTAINER is required")
	}
	if c.NFSIncomingRoot == "" || c.NFSProcessingRoot == "" {
		return fmt.Errorf("config: NFS incoming/processing roots are required")
	}
	if c.LocalStagingRoot == "" {
		return fmt.Errorf("config: local staging root is required")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: APP_QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: APP_WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	return nil
}

// ExtensionAllowed reports whether name passes the configured allow-list.
// An empty allow-list permits every extension.
func (c Config) ExtensionAllowed(name string) bool {
	if len(c.FileExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(extOf(name))
	for _, allowed := range c.FileExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func normalizeExtensions(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}
