package session

import (
	"os"
	"path/filepath"
	"testing"

	"ingestd/internal/config"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	return config.Config{
		NFSIncomingRoot:   filepath.Join(root, "incoming"),
		NFSProcessingRoot: filepath.Join(root, "processing"),
		LocalStagingRoot:  filepath.Join(root, "staging"),
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("foo-bar_1.2"))
	assert.Error(t, ValidateName("foo/bar"))
	assert.Error(t, ValidateName(""))
}

func TestGenerateName_HasChronologicalPrefix(t *testing.T) {
	name, err := GenerateName()
	require.NoError(t, err)
	assert.Regexp(t, `^00-session-[0-9a-f-]{36}$`, name)
}

func TestStart_CreatesDirectoriesAndActivates(t *testing.T) {
	cfg := testConfig(t)
	d := &Descriptor{}

	date, name, err := Start(d, cfg, "my-session")
	require.NoError(t, err)
	assert.Equal(t, "my-session", name)
	assert.Len(t, date, 8)

	assert.DirExists(t, filepath.Join(cfg.NFSIncomingRoot, name))
	assert.DirExists(t, filepath.Join(cfg.NFSProcessingRoot, date, name))
	assert.DirExists(t, filepath.Join(cfg.LocalStagingRoot, date, name))

	active, activeName, activeDate := d.Active()
	assert.True(t, active)
	assert.Equal(t, name, activeName)
	assert.Equal(t, date, activeDate)
}

func TestStart_RejectsInvalidName(t *testing.T) {
	cfg := testConfig(t)
	d := &Descriptor{}
	_, _, err := Start(d, cfg, "bad/name")
	require.Error(t, err)
}

func TestStart_RejectsWhenAlreadyActive(t *testing.T) {
	cfg := testConfig(t)
	d := &Descriptor{}
	_, _, err := Start(d, cfg, "s1")
	require.NoError(t, err)

	_, _, err = Start(d, cfg, "s2")
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestStart_AutoGeneratesNameWhenEmpty(t *testing.T) {
	cfg := testConfig(t)
	d := &Descriptor{}
	_, name, err := Start(d, cfg, "")
	require.NoError(t, err)
	assert.NotEmpty(t, name)
}

func TestStop_DeactivatesButPreservesNameAndDate(t *testing.T) {
	cfg := testConfig(t)
	d := &Descriptor{}
	date, name, err := Start(d, cfg, "s1")
	require.NoError(t, err)

	Stop(d)

	active, activeName, activeDate := d.Active()
	assert.False(t, active)
	assert.Equal(t, name, activeName)
	assert.Equal(t, date, activeDate)
}

func TestResume_SetsActiveWithoutCreatingDirectories(t *testing.T) {
	cfg := testConfig(t)
	d := &Descriptor{}
	Resume(d, "resumed-session", "20260101")

	active, name, date := d.Active()
	assert.True(t, active)
	assert.Equal(t, "resumed-session", name)
	assert.Equal(t, "20260101", date)
	_, err := os.Stat(filepath.Join(cfg.NFSIncomingRoot, name))
	assert.True(t, os.IsNotExist(err))
}

func TestCounters_IncrementAndSnapshot(t *testing.T) {
	d := &Descriptor{}
	d.IncrementOK()
	d.IncrementOK()
	d.IncrementErr("boom: some-file")

	snap := d.Snapshot()
	want := Snapshot{ProcessedOK: 2, ProcessedErr: 1, LastError: "boom: some-file"}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}
