package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ingestd/internal/config"
	"ingestd/internal/queue"
	"ingestd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

func TestRun_EmptyTreeIsNoop(t *testing.T) {
	root := t.TempDir()
	cfg := config.Config{NFSProcessingRoot: filepath.Join(root, ".processing")}
	q := queue.New(10)
	sess := &session.Descriptor{}

	n, err := Run(context.Background(), cfg, q, sess)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	active, _, _ := sess.Active()
	assert.False(t, active)
}

func TestRun_MissingRootIsNoop(t *testing.T) {
	root := t.TempDir()
	cfg := config.Config{NFSProcessingRoot: filepath.Join(root, "does-not-exist")}
	q := queue.New(10)
	sess := &session.Descriptor{}

	n, err := Run(context.Background(), cfg, q, sess)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_EnqueuesUnfinishedAndSkipsCompleted(t *testing.T) {
	root := t.TempDir()
	processingRoot := filepath.Join(root, ".processing")
	cfg := config.Config{NFSProcessingRoot: processingRoot}

	writeFile(t, filepath.Join(processingRoot, "20260301", "S1", "a.bin"))
	writeFile(t, filepath.Join(processingRoot, "20260301", "S1", "b.bin.completed"))

	q := queue.New(10)
	sess := &session.Descriptor{}

	n, err := Run(context.Background(), cfg, q, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.bin", item.Filename)
	assert.True(t, item.FromRecovery)
}

func TestRun_ResumesLexicographicallyLastSession(t *testing.T) {
	root := t.TempDir()
	processingRoot := filepath.Join(root, ".processing")
	cfg := config.Config{NFSProcessingRoot: processingRoot}

	writeFile(t, filepath.Join(processingRoot, "20260101", "S-old", "a.bin"))
	writeFile(t, filepath.Join(processingRoot, "20260301", "S-new", "b.bin"))
	writeFile(t, filepath.Join(processingRoot, "20260301", "S-aaa", "c.bin"))

	q := queue.New(10)
	sess := &session.Descriptor{}

	n, err := Run(context.Background(), cfg, q, sess)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	active, name, date := sess.Active()
	assert.True(t, active)
	assert.Equal(t, "20260301", date)
	assert.Equal(t, "S-new", name)
}

func TestRun_TwiceInSequenceIsNoopOnSecondRun(t *testing.T) {
	root := t.TempDir()
	processingRoot := filepath.Join(root, ".processing")
	cfg := config.Config{NFSProcessingRoot: processingRoot}
	writeFile(t, filepath.Join(processingRoot, "20260301", "S1", "a.bin"))

	q := queue.New(10)
	sess := &session.Descriptor{}

	n1, err := Run(context.Background(), cfg, q, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)
	_, _, _ = q.Dequeue(context.Background())

	// Simulate the file reaching .completed between runs, as it would
	// once the worker that claimed it finishes the pipeline.
	require.NoError(t, os.Rename(
		filepath.Join(processingRoot, "20260301", "S1", "a.bin"),
		filepath.Join(processingRoot, "20260301", "S1", "a.bin.completed"),
	))

	n2, err := Run(context.Background(), cfg, q, sess)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}
