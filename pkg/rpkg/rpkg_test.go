package rpkg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptorCopiesInputs(t *testing.T) {
	files := []string{"lib/pkgA/DESCRIPTION"}
	dep, err := NewDescriptor("pkgDep", "0.1", "lib/pkgDep", "pkgDep.tgz", nil, nil)
	require.NoError(t, err)
	deps := []*Descriptor{dep}

	a, err := NewDescriptor("pkgA", "1.0", "lib/pkgA", "pkgA.tgz", files, deps)
	require.NoError(t, err)

	files[0] = "changed"
	deps[0] = nil
	assert.Equal(t, []string{"lib/pkgA/DESCRIPTION"}, a.ProducedFiles())
	assert.Equal(t, []*Descriptor{dep}, a.TransitiveDeps())

	out := a.ProducedFiles()
	out[0] = "changed"
	assert.Equal(t, "lib/pkgA/DESCRIPTION", a.ProducedFiles()[0])

	outDeps := a.TransitiveDeps()
	outDeps[0] = nil
	assert.Same(t, dep, a.TransitiveDeps()[0])
}

func TestNewDescriptorRejectsNilDependencies(t *testing.T) {
	dep, err := NewDescriptor("pkgDep", "0.1", "lib/pkgDep", "", nil, nil)
	require.NoError(t, err)

	_, err = NewDescriptor("pkgA", "1.0", "lib/pkgA", "", nil, []*Descriptor{dep, nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil dependency")
}

func TestNewDescriptorRejectsInvalidNames(t *testing.T) {
	_, err := NewDescriptor("1abc", "", "lib/x", "", nil, nil)
	assert.Error(t, err)

	_, err = NewDescriptor("abc", "", "", "", nil, nil)
	assert.Error(t, err)

	assert.True(t, ValidName("data.table"))
	assert.False(t, ValidName("data.table."))
	assert.False(t, ValidName("a"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryCode, Classify("R/utils.R"))
	assert.Equal(t, CategoryNative, Classify("./src/init.c"))
	assert.Equal(t, CategoryData, Classify("data/cars.rda"))
	assert.Equal(t, CategoryAux, Classify("inst/extdata/x.csv"))
	assert.Equal(t, CategoryOther, Classify("DESCRIPTION"))
	assert.Equal(t, CategoryOther, Classify("man/foo.Rd"))
}

func TestProducedFiles(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		layout := ClassifySources([]string{"DESCRIPTION", "NAMESPACE"})
		assert.Equal(t, []string{
			"out/lib/p/DESCRIPTION",
			"out/lib/p/NAMESPACE",
			"out/lib/p/Meta",
			"out/lib/p/help",
			"out/lib/p/html",
		}, layout.ProducedFiles("out/lib/p", "p"))
	})

	t.Run("all categories", func(t *testing.T) {
		layout := ClassifySources([]string{
			"DESCRIPTION", "R/a.R", "R/b.R", "src/x.c", "data/d.rda",
			"inst/zeta.txt", "inst/extdata/alpha.csv",
		})
		assert.Equal(t, []string{
			"out/lib/p/DESCRIPTION",
			"out/lib/p/NAMESPACE",
			"out/lib/p/Meta",
			"out/lib/p/help",
			"out/lib/p/html",
			"out/lib/p/R",
			"out/lib/p/libs/p.so",
			"out/lib/p/data",
			"out/lib/p/extdata/alpha.csv",
			"out/lib/p/zeta.txt",
		}, layout.ProducedFiles("out/lib/p", "p"))
	})
}

const sampleDescription = `Package: pkgB
Title: Example
Version: 0.2-1
Depends: R (>= 3.5.0),
    pkgA (>= 1.2)
Imports: methods, stats
LinkingTo: pkgC (== 2.0.0)
Description: A long
    description.
`

func TestParseDescription(t *testing.T) {
	desc, err := ParseDescription(strings.NewReader(sampleDescription))
	require.NoError(t, err)

	assert.Equal(t, "pkgB", desc.Package)
	assert.Equal(t, "0.2-1", desc.Version)
	assert.Equal(t, "A long\ndescription.", desc.Fields["Description"])
	assert.Equal(t, []Requirement{
		{Package: "R", Constraint: ">= 3.5.0", Field: "Depends"},
		{Package: "pkgA", Constraint: ">= 1.2", Field: "Depends"},
		{Package: "methods", Field: "Imports"},
		{Package: "stats", Field: "Imports"},
		{Package: "pkgC", Constraint: "== 2.0.0", Field: "LinkingTo"},
	}, desc.Requirements)
}

func TestParseDescriptionErrors(t *testing.T) {
	_, err := ParseDescription(strings.NewReader("Title: nothing\n"))
	assert.Error(t, err)

	_, err = ParseDescription(strings.NewReader("  orphan\nPackage: x\n"))
	assert.Error(t, err)

	_, err = ParseDescription(strings.NewReader("Package: x\nImports: (broken\n"))
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.0-05")
	require.NoError(t, err)
	assert.Equal(t, "1.0.5", v.String())

	v, err = ParseVersion("0.1.0.9000")
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", v.String())

	_, err = ParseVersion("abc")
	assert.Error(t, err)
}

func TestCheckConstraints(t *testing.T) {
	desc, err := ParseDescription(strings.NewReader(sampleDescription))
	require.NoError(t, err)

	pkgA, err := NewDescriptor("pkgA", "1.3", "lib/pkgA", "", nil, nil)
	require.NoError(t, err)
	pkgC, err := NewDescriptor("pkgC", "2.0", "lib/pkgC", "", nil, nil)
	require.NoError(t, err)

	assert.NoError(t, CheckConstraints(desc, []*Descriptor{pkgA, pkgC}))

	oldA, err := NewDescriptor("pkgA", "1.1.9", "lib/pkgA", "", nil, nil)
	require.NoError(t, err)

	err = CheckConstraints(desc, []*Descriptor{oldA, pkgC})
	require.Error(t, err)

	var conErr *ConstraintError
	require.ErrorAs(t, err, &conErr)
	assert.Equal(t, "pkgA", conErr.Requirement.Package)
	assert.Equal(t, "1.1.9", conErr.Found)

	unknown, err := NewDescriptor("pkgA", "", "lib/pkgA", "", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, CheckConstraints(desc, []*Descriptor{unknown}))
}
