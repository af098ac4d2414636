package buildsys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/interp"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/rules"
	"github.com/jml/rules-r/pkg/script"
)

// fakeR emulates R CMD INSTALL, build and check as well as Rscript
type fakeR struct {
	failingTest string

	// installs lists the packages installed with --build
	installs []string
	// libs lists the packages visible through R_LIBS for each of those installs
	libs [][]string
	// libraries lists the archives passed to each library installation
	libraries [][]string
	checks    []string
	tests     []string
}

func touch(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0770)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte("fake"), 0660)
}

func (f *fakeR) r(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) < 4 || args[1] != "CMD" {
		return interp.NewExitStatus(127)
	}

	lib := ""
	build := false
	positional := []string{}
	for _, arg := range args[3:] {
		switch {
		case strings.HasPrefix(arg, "--library="):
			lib = strings.TrimPrefix(arg, "--library=")
			if !filepath.IsAbs(lib) {
				lib = filepath.Join(hc.Dir, lib)
			}
		case arg == "--build":
			build = true
		case !strings.HasPrefix(arg, "-"):
			positional = append(positional, arg)
		}
	}
	last := args[len(args)-1]

	switch args[2] {
	case "INSTALL":
		if build {
			name := filepath.Base(last)
			f.installs = append(f.installs, name)

			visible := []string{}
			if items, err := os.ReadDir(hc.Env.Get(rules.LibsVar).String()); err == nil {
				for _, item := range items {
					visible = append(visible, item.Name())
				}
			}
			f.libs = append(f.libs, visible)
			for _, item := range []string{"DESCRIPTION", "NAMESPACE", "Meta", "help", "html", "R"} {
				if err := touch(filepath.Join(lib, name, item)); err != nil {
					return err
				}
			}
			return touch(filepath.Join(hc.Dir, name+"_1.0.0_R_x86_64-pc-linux-gnu.tar.gz"))
		}

		names := []string{}
		for _, archive := range positional {
			name := strings.TrimSuffix(filepath.Base(archive), ".bin.tar.gz")
			names = append(names, name)
			if err := touch(filepath.Join(lib, name, "DESCRIPTION")); err != nil {
				return err
			}
		}
		f.libraries = append(f.libraries, names)
		return nil
	case "build":
		return touch(filepath.Join(hc.Dir, filepath.Base(last)+"_1.0.0.tar.gz"))
	case "check":
		if _, err := os.Stat(last); err != nil {
			fmt.Fprintln(hc.Stderr, "missing archive "+last)
			return interp.NewExitStatus(1)
		}
		f.checks = append(f.checks, filepath.Base(last))
		fmt.Fprintln(hc.Stdout, "Status: OK")
		return nil
	}

	return interp.NewExitStatus(127)
}

func (f *fakeR) rscript(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) != 2 {
		return interp.NewExitStatus(2)
	}

	if _, err := os.Stat(filepath.Join(hc.Dir, args[1])); err != nil {
		return interp.NewExitStatus(2)
	}

	f.tests = append(f.tests, args[1])
	if args[1] == f.failingTest {
		return interp.NewExitStatus(4)
	}
	return nil
}

type project struct {
	root    string
	targets TargetList
	fake    *fakeR
	opts    RunOptions
	done    []string
}

func loadProject(t *testing.T, build string) *project {
	t.Helper()
	t.Setenv("TMPDIR", t.TempDir())

	p := &project{
		root: newProject(t, build),
		fake: &fakeR{},
	}

	ctx, _ := testCtx(t)
	targets, _, err := RunScript(ctx, filepath.Join(p.root, FileName), p.root, nil)
	require.NoError(t, err)
	p.targets = targets

	p.opts = RunOptions{
		Toolchain: rules.DefaultToolchain(),
		OutputDir: "rbuild-out",
		CheckArgs: []string{"--no-manual"},
		Handlers: map[string]script.ExecFunc{
			"R":       p.fake.r,
			"Rscript": p.fake.rscript,
		},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
		OnTarget: func(target *Target) {
			p.done = append(p.done, target.Name)
		},
	}
	return p
}

func (p *project) build(t *testing.T, names ...string) (map[string]*rpkg.Descriptor, error) {
	t.Helper()
	ctx, _ := testCtx(t)
	return Build(ctx, p.root, p.targets, names, p.opts)
}

func (p *project) assertExists(t *testing.T, rel ...string) {
	t.Helper()
	for _, item := range rel {
		assert.FileExists(t, filepath.Join(p.root, filepath.FromSlash(item)))
	}
}

func TestBuildProject(t *testing.T) {
	p := loadProject(t, projectBuild)

	ctx, _ := testCtx(t)
	published, err := Build(ctx, p.root, p.targets, []string{"mylib", "pkgB_test", "pkgA_check"}, p.opts)
	require.NoError(t, err, p.opts.Stderr.(*bytes.Buffer).String())

	assert.Equal(t, []string{"pkgA", "pkgB", "mylib", "pkgB_test", "pkgA_check"}, p.done)
	assert.Equal(t, []string{"pkgA", "pkgB"}, p.fake.installs)
	assert.Equal(t, [][]string{{}, {"pkgA"}}, p.fake.libs)
	assert.Equal(t, [][]string{{"pkgB", "pkgA"}}, p.fake.libraries)
	assert.Equal(t, []string{"test_a.R", "test_b.R"}, p.fake.tests)
	assert.Equal(t, []string{"pkgA.src.tar.gz"}, p.fake.checks)

	require.Equal(t, []string{"pkgA", "pkgB"}, SortedNames(published))
	pkgB := published["pkgB"]
	assert.Equal(t, "rbuild-out/pkgB/lib/pkgB", pkgB.InstallLocation())
	assert.Equal(t, "rbuild-out/pkgB/pkgB.bin.tar.gz", pkgB.Archive())
	assert.Equal(t, "2.1", pkgB.Version())
	require.Len(t, pkgB.TransitiveDeps(), 1)
	assert.Same(t, published["pkgA"], pkgB.TransitiveDeps()[0])

	p.assertExists(t,
		"rbuild-out/pkgA/build.sh",
		"rbuild-out/pkgA/pkgA.bin.tar.gz",
		"rbuild-out/pkgB/lib/pkgB/DESCRIPTION",
		"rbuild-out/pkgB_test/test.sh",
		"rbuild-out/pkgA_check/pkgA.src.tar.gz",
		"rbuild-out/mylib/mylib.tar",
		"rbuild-out/mylib/install_mylib.sh",
	)

	info, err := os.Stat(filepath.Join(p.root, "rbuild-out", "mylib", "install_mylib.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	entries, err := os.ReadDir(os.Getenv("TMPDIR"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary directories were not removed")
}

func TestBuildSkipsUpToDateTargets(t *testing.T) {
	p := loadProject(t, `r_pkg(name = "pkgA", src_dir = "pkgs/pkgA")`)

	published, err := p.build(t, "pkgA")
	require.NoError(t, err)
	assert.Contains(t, published, "pkgA")
	assert.Equal(t, []string{"pkgA"}, p.fake.installs)

	published, err = p.build(t, "pkgA")
	require.NoError(t, err)
	assert.Contains(t, published, "pkgA")
	assert.Equal(t, []string{"pkgA"}, p.fake.installs)

	p.opts.Force = true
	_, err = p.build(t, "pkgA")
	require.NoError(t, err)
	assert.Len(t, p.fake.installs, 2)

	p.opts.Force = false
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(p.root, "pkgs", "pkgA", "R", "a.R"), future, future))
	_, err = p.build(t, "pkgA")
	require.NoError(t, err)
	assert.Len(t, p.fake.installs, 3)
}

func TestBuildStopsAtFirstFailure(t *testing.T) {
	p := loadProject(t, projectBuild)
	p.fake.failingTest = "test_a.R"

	_, err := p.build(t, "pkgB_test", "mylib")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pkgB_test")

	code, ok := script.StatusCode(err)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, uint8(4), code)

	assert.Equal(t, []string{"pkgA", "pkgB"}, p.done)
	assert.Equal(t, []string{"test_a.R"}, p.fake.tests)
	assert.Empty(t, p.fake.libraries)
}

func TestBuildDryRun(t *testing.T) {
	p := loadProject(t, projectBuild)
	p.opts.DryRun = true

	ctx, logs := testCtx(t)
	published, err := Build(ctx, p.root, p.targets, []string{"mylib"}, p.opts)
	require.NoError(t, err)

	assert.Empty(t, published)
	assert.Empty(t, p.fake.installs)
	assert.NoDirExists(t, filepath.Join(p.root, "rbuild-out"))
	assert.Contains(t, logs.String(), "R CMD INSTALL")
	assert.Equal(t, []string{"pkgA", "pkgB", "mylib"}, p.done)
}

func TestBuildMissingTarget(t *testing.T) {
	p := loadProject(t, projectBuild)

	_, err := p.build(t, "nope")
	var missing *TargetMissing
	require.True(t, errors.As(err, &missing), "unexpected error %v", err)
	assert.Equal(t, "nope", missing.Name)
}

func TestBuildDetectsCycles(t *testing.T) {
	root := newProject(t, `
r_pkg(name = "pkgA", src_dir = "pkgs/pkgA", deps = ["pkgB"])
r_pkg(name = "pkgB", src_dir = "pkgs/pkgB", deps = ["pkgA"])
`)
	ctx, _ := testCtx(t)
	targets, _, err := RunScript(ctx, filepath.Join(root, FileName), root, nil)
	require.NoError(t, err)

	_, err = PlanTargets(ctx, root, targets, []string{"pkgA"}, RunOptions{})
	var cycle *closure.CycleError
	require.True(t, errors.As(err, &cycle), "unexpected error %v", err)
	assert.Equal(t, []string{"<r_pkg pkgA>", "<r_pkg pkgB>", "<r_pkg pkgA>"}, cycle.Path)
}

func TestPlanChecksVersionConstraints(t *testing.T) {
	root := newProject(t, `
r_pkg(name = "pkgA", src_dir = "pkgs/pkgA", version = "0.4")
r_pkg(name = "pkgB", src_dir = "pkgs/pkgB", deps = ["pkgA"])
`)
	ctx, _ := testCtx(t)
	targets, _, err := RunScript(ctx, filepath.Join(root, FileName), root, nil)
	require.NoError(t, err)

	_, err = PlanTargets(ctx, root, targets, []string{"pkgB"}, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pkgA")
}

func TestPlanResolvesSources(t *testing.T) {
	p := loadProject(t, projectBuild)
	ctx, _ := testCtx(t)

	plans, err := PlanTargets(ctx, p.root, p.targets, []string{"pkgB_test"}, p.opts)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	pkgB := plans[1]
	assert.Equal(t, "pkgB", pkgB.Target.Name)
	assert.Contains(t, pkgB.Inputs, filepath.Join(p.root, "pkgs", "pkgB", "R", "b.R"))
	assert.Contains(t, pkgB.Inputs, filepath.Join(p.root, "rbuild-out", "pkgA", "pkgA.bin.tar.gz"))
	assert.Contains(t, pkgB.Outputs, "rbuild-out/pkgB/lib/pkgB/R")
	assert.Equal(t, "rbuild-out/pkgB/build.sh", pkgB.Steps[0].Path)

	test := plans[2]
	assert.Empty(t, test.Outputs)
	assert.Equal(t, []string{"pkgB", "pkgA"}, test.Closure.Names())
}
