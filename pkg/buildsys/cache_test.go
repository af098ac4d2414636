package buildsys

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jml/rules-r/pkg/rpkg"
)

func mustDescriptor(t *testing.T, name, version string, deps ...*rpkg.Descriptor) *rpkg.Descriptor {
	t.Helper()
	desc, err := rpkg.NewDescriptor(name, version, "rbuild-out/"+name+"/lib/"+name, "rbuild-out/"+name+"/"+name+".bin.tar.gz",
		[]string{"rbuild-out/" + name + "/lib/" + name + "/DESCRIPTION"}, deps)
	require.NoError(t, err)
	return desc
}

func TestCacheRoundTrip(t *testing.T) {
	pkgA := mustDescriptor(t, "pkgA", "1.0.0")
	pkgB := mustDescriptor(t, "pkgB", "2.1", pkgA)
	pkgC := mustDescriptor(t, "pkgC", "0.3", pkgB, pkgA)

	file := filepath.Join(t.TempDir(), "cache", "descriptors.gob")
	require.NoError(t, WriteCache(file, map[string]*rpkg.Descriptor{
		"pkgC": pkgC,
		"pkgB": pkgB,
	}))

	restored, err := ReadCache(file)
	require.NoError(t, err)
	require.Equal(t, []string{"pkgB", "pkgC"}, SortedNames(restored))

	c := restored["pkgC"]
	assert.Equal(t, "pkgC", c.Name())
	assert.Equal(t, "0.3", c.Version())
	assert.Equal(t, "rbuild-out/pkgC/lib/pkgC", c.InstallLocation())
	assert.Equal(t, "rbuild-out/pkgC/pkgC.bin.tar.gz", c.Archive())
	assert.Equal(t, pkgC.ProducedFiles(), c.ProducedFiles())

	deps := c.TransitiveDeps()
	require.Len(t, deps, 2)
	assert.Same(t, restored["pkgB"], deps[0])
	assert.Equal(t, "pkgA", deps[1].Name())
	assert.Same(t, deps[1], restored["pkgB"].TransitiveDeps()[0])
}

func TestUpdateCache(t *testing.T) {
	file := filepath.Join(t.TempDir(), "descriptors.gob")
	pkgA := mustDescriptor(t, "pkgA", "1.0.0")

	require.NoError(t, UpdateCache(file, map[string]*rpkg.Descriptor{"pkgA": pkgA}))
	require.NoError(t, UpdateCache(file, map[string]*rpkg.Descriptor{
		"pkgB": mustDescriptor(t, "pkgB", "2.1", pkgA),
	}))

	restored, err := ReadCache(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkgA", "pkgB"}, SortedNames(restored))
	assert.Same(t, restored["pkgA"], restored["pkgB"].TransitiveDeps()[0])

	require.NoError(t, UpdateCache(file, map[string]*rpkg.Descriptor{"pkgA": mustDescriptor(t, "pkgA", "1.1.0")}))
	restored, err = ReadCache(file)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", restored["pkgA"].Version())
	require.Len(t, restored["pkgB"].TransitiveDeps(), 1)
	assert.Same(t, restored["pkgA"], restored["pkgB"].TransitiveDeps()[0])
}

func TestUpdateCacheStoresRebuiltDependenciesOnce(t *testing.T) {
	file := filepath.Join(t.TempDir(), "descriptors.gob")

	oldA := mustDescriptor(t, "pkgA", "1.0.0")
	require.NoError(t, UpdateCache(file, map[string]*rpkg.Descriptor{
		"pkgA": oldA,
		"pkgC": mustDescriptor(t, "pkgC", "0.3", oldA),
	}))

	// a later build of pkgB rebuilt pkgA but didn't publish it under its own name
	newA := mustDescriptor(t, "pkgA", "1.1.0")
	require.NoError(t, UpdateCache(file, map[string]*rpkg.Descriptor{
		"pkgB": mustDescriptor(t, "pkgB", "2.1", newA),
	}))

	handle, err := os.Open(file)
	require.NoError(t, err)
	defer handle.Close()
	var data cacheFile
	require.NoError(t, gob.NewDecoder(handle).Decode(&data))
	assert.Len(t, data.Descriptors, 3)

	restored, err := ReadCache(file)
	require.NoError(t, err)
	a := restored["pkgA"]
	assert.Equal(t, "1.1.0", a.Version())
	assert.Same(t, a, restored["pkgB"].TransitiveDeps()[0])
	assert.Same(t, a, restored["pkgC"].TransitiveDeps()[0])
}

func TestReadCacheErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadCache(filepath.Join(dir, "missing.gob"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(dir, "garbage.gob")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cache"), 0660))
	_, err = ReadCache(garbage)
	assert.ErrorContains(t, err, "failed to decode")

	corrupted := filepath.Join(dir, "corrupted.gob")
	handle, err := os.Create(corrupted)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(handle).Encode(cacheFile{
		Descriptors: []cachedDescriptor{{Name: "pkgA", Version: "1.0.0", Deps: []int{0}}},
		Targets:     map[string]int{"pkgA": 0},
	}))
	require.NoError(t, handle.Close())

	_, err = ReadCache(corrupted)
	assert.ErrorContains(t, err, "is corrupted")
}
