package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ingestd/internal/config"
	"ingestd/internal/model"
	"ingestd/internal/queue"
	"ingestd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string][]byte
	failOn  string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: map[string][]byte{}}
}

func (f *fakeUploader) Upload(ctx context.Context, blobName, localPath string, size int64) error {
	if f.failOn != "" && blobName == f.failOn {
		return errors.New("injected upload failure")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.uploads[blobName] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeUploader) VerifyUpload(ctx context.Context, blobName string, wantSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[blobName]
	if !ok {
		return errors.New("blob not found")
	}
	if int64(len(data)) != wantSize {
		return errors.New("size mismatch")
	}
	return nil
}

func testLayout(t *testing.T) (config.Config, string) {
	t.Helper()
	root := t.TempDir()
	return config.Config{
		NFSIncomingRoot:   filepath.Join(root, "incoming"),
		NFSProcessingRoot: filepath.Join(root, ".processing"),
		LocalStagingRoot:  filepath.Join(root, "staging"),
		WorkerCount:       1,
	}, root
}

func TestProcessItem_HappyPath(t *testing.T) {
	cfg, _ := testLayout(t)
	incomingDir := filepath.Join(cfg.NFSIncomingRoot, "S1")
	require.NoError(t, os.MkdirAll(incomingDir, 0o755))
	srcPath := filepath.Join(incomingDir, "a.bin")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	uploader := newFakeUploader()
	sess := &session.Descriptor{}
	q := queue.New(1)
	pool := NewPool(cfg, q, uploader, sess)

	item := model.WorkItem{
		SourcePath:  srcPath,
		SessionName: "S1",
		DatePrefix:  "20260301",
		Filename:    "a.bin",
	}
	pool.processItem(context.Background(), pool.logger, item)

	snap := sess.Snapshot()
	assert.Equal(t, int64(1), snap.ProcessedOK)
	assert.Equal(t, int64(0), snap.ProcessedErr)

	assert.Equal(t, content, uploader.uploads["20260301/S1/a.bin"])

	// incoming file gone (claimed), processing file renamed to .completed,
	// staging file cleaned up.
	assert.NoFileExists(t, srcPath)
	processingPath := filepath.Join(cfg.NFSProcessingRoot, "20260301", "S1", "a.bin")
	assert.NoFileExists(t, processingPath)
	assert.FileExists(t, processingPath+".completed")
	stagingPath := filepath.Join(cfg.LocalStagingRoot, "20260301", "S1", "a.bin")
	assert.NoFileExists(t, stagingPath)
}

func TestProcessItem_ClaimRaceIsBenign(t *testing.T) {
	cfg, _ := testLayout(t)
	// Source does not exist: simulates losing the claim race to another
	// worker/replica (I4).
	uploader := newFakeUploader()
	sess := &session.Descriptor{}
	q := queue.New(1)
	pool := NewPool(cfg, q, uploader, sess)

	item := model.WorkItem{
		SourcePath:  filepath.Join(cfg.NFSIncomingRoot, "S1", "a.bin"),
		SessionName: "S1",
		DatePrefix:  "20260301",
		Filename:    "a.bin",
	}
	pool.processItem(context.Background(), pool.logger, item)

	snap := sess.Snapshot()
	assert.Equal(t, int64(0), snap.ProcessedOK)
	assert.Equal(t, int64(0), snap.ProcessedErr, "benign-gone must not count as an error")
}

func TestProcessItem_UploadFailureLeavesFileInProcessing(t *testing.T) {
	cfg, _ := testLayout(t)
	incomingDir := filepath.Join(cfg.NFSIncomingRoot, "S1")
	require.NoError(t, os.MkdirAll(incomingDir, 0o755))
	srcPath := filepath.Join(incomingDir, "a.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("data"), 0o644))

	uploader := newFakeUploader()
	uploader.failOn = "20260301/S1/a.bin"
	sess := &session.Descriptor{}
	q := queue.New(1)
	pool := NewPool(cfg, q, uploader, sess)

	item := model.WorkItem{
		SourcePath:  srcPath,
		SessionName: "S1",
		DatePrefix:  "20260301",
		Filename:    "a.bin",
	}
	pool.processItem(context.Background(), pool.logger, item)

	snap := sess.Snapshot()
	assert.Equal(t, int64(0), snap.ProcessedOK)
	assert.Equal(t, int64(1), snap.ProcessedErr)
	assert.Contains(t, snap.LastError, "a.bin")

	// File remains in .processing for a future recovery scan (§7 item-upload).
	processingPath := filepath.Join(cfg.NFSProcessingRoot, "20260301", "S1", "a.bin")
	assert.FileExists(t, processingPath)
}

func TestProcessItem_FromRecoverySkipsClaimRename(t *testing.T) {
	cfg, _ := testLayout(t)
	processingPath := filepath.Join(cfg.NFSProcessingRoot, "20260301", "S1", "a.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(processingPath), 0o755))
	require.NoError(t, os.WriteFile(processingPath, []byte("recovered"), 0o644))

	uploader := newFakeUploader()
	sess := &session.Descriptor{}
	q := queue.New(1)
	pool := NewPool(cfg, q, uploader, sess)

	item := model.WorkItem{
		SourcePath:   processingPath,
		SessionName:  "S1",
		DatePrefix:   "20260301",
		Filename:     "a.bin",
		FromRecovery: true,
	}
	pool.processItem(context.Background(), pool.logger, item)

	snap := sess.Snapshot()
	assert.Equal(t, int64(1), snap.ProcessedOK)
	assert.FileExists(t, processingPath+".completed")
}

func TestPool_Run_DrainsQueueAndStopsOnCancel(t *testing.T) {
	cfg, _ := testLayout(t)
	cfg.WorkerCount = 2
	incomingDir := filepath.Join(cfg.NFSIncomingRoot, "S1")
	require.NoError(t, os.MkdirAll(incomingDir, 0o755))

	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(incomingDir, name), []byte(name), 0o644))
	}

	uploader := newFakeUploader()
	sess := &session.Descriptor{}
	q := queue.New(10)
	pool := NewPool(cfg, q, uploader, sess)

	ctx, cancel := context.WithCancel(context.Background())
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		require.NoError(t, q.Enqueue(ctx, model.WorkItem{
			SourcePath:  filepath.Join(incomingDir, name),
			SessionName: "S1",
			DatePrefix:  "20260301",
			Filename:    name,
		}))
	}

	runDone := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(runDone)
	}()

	require.Eventually(t, func() bool {
		return sess.Snapshot().ProcessedOK == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("pool.Run did not exit after cancel")
	}
}
