package region

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclements/nosv/internal/bitset"
	"github.com/aclements/nosv/internal/config"
)

type onePlatform struct{}

func (onePlatform) ValidCPUs(binding string) (bitset.Set, error) {
	s := bitset.New(8)
	s.Set(0)
	return s, nil
}
func (onePlatform) ThreadSiblings(cpu int) (bitset.Set, error) {
	s := bitset.New(8)
	s.Set(0)
	return s, nil
}
func (onePlatform) NUMANodes() ([]bitset.Set, error) { return nil, nil }

func testConfig(name string) config.Config {
	cfg := config.Default()
	cfg.Topology.Binding = "all"
	cfg.SharedMemory.Name = name
	return cfg
}

func TestOpenCreatesRegionWithTopologyAndCPUManager(t *testing.T) {
	dir := t.TempDir()
	r, created, err := Open(dir, testConfig("r1"), onePlatform{})
	require.NoError(t, err)
	defer r.Detach()

	assert.True(t, created)
	require.NotNil(t, r.Topology)
	require.NotNil(t, r.CPUManager)
	assert.Equal(t, 1, r.Topology.NumCPUs())

	_, err = os.Stat(filepath.Join(dir, "r1.nosv"))
	assert.NoError(t, err, "Open must create the persisted region file")
}

func TestOpenOnExistingFileReportsNotCreated(t *testing.T) {
	dir := t.TempDir()
	first, created, err := Open(dir, testConfig("r2"), onePlatform{})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := Open(dir, testConfig("r2"), onePlatform{})
	require.NoError(t, err)
	assert.False(t, created, "a second Open against the same file must not report creation")

	require.NoError(t, first.Detach())
	require.NoError(t, second.Detach())
}

func TestAttachDetachOnlyUnlinksOnLastDetach(t *testing.T) {
	dir := t.TempDir()
	r, _, err := Open(dir, testConfig("r3"), onePlatform{})
	require.NoError(t, err)

	r.Attach() // now refcount 2
	require.NoError(t, r.Detach())

	_, err = os.Stat(r.Path)
	assert.NoError(t, err, "the file must still exist while a ref is outstanding")

	require.NoError(t, r.Detach())
	_, err = os.Stat(r.Path)
	assert.True(t, os.IsNotExist(err), "the last Detach must unlink the region file")
}

func TestDetachIsIdempotentAfterUnlink(t *testing.T) {
	dir := t.TempDir()
	r, _, err := Open(dir, testConfig("r4"), onePlatform{})
	require.NoError(t, err)
	require.NoError(t, r.Detach())

	// A second Detach past refcount zero must not panic or re-fail on an
	// already-removed file.
	err = r.Detach()
	assert.NoError(t, err)
}
