package buildsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const projectBuild = `
channel = option("channel", default = "release", help = "R release channel")
info("channel " + channel)

pkg_a = r_pkg(name = "pkgA", src_dir = "pkgs/pkgA")

def configure():
    pkg_b = r_pkg(name = "pkgB", src_dir = "pkgs/pkgB", deps = [pkg_a])
    r_unit_test(pkg = pkg_b)
    r_pkg_test(pkg = "pkgA", check_args = ["--no-manual", "--as-cran"])
    r_library(name = "mylib", pkgs = [pkg_b])
    setenv("R_KEEP_PKG_SOURCE", "yes")
`

func testCtx(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	buffer := &bytes.Buffer{}
	logger := zerolog.New(buffer)
	return WithLogger(context.Background(), &logger), buffer
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	dest := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0770))
	require.NoError(t, os.WriteFile(dest, []byte(content), 0660))
}

// newProject creates a project with two packages. All files are backdated by an hour.
func newProject(t *testing.T, build string) string {
	t.Helper()
	root := t.TempDir()

	writeFile(t, root, "pkgs/pkgA/DESCRIPTION", "Package: pkgA\nVersion: 1.0.0\nTitle: First package\n")
	writeFile(t, root, "pkgs/pkgA/NAMESPACE", "export(a)\n")
	writeFile(t, root, "pkgs/pkgA/R/a.R", "a <- function() 1\n")

	writeFile(t, root, "pkgs/pkgB/DESCRIPTION", "Package: pkgB\nVersion: 2.1\nImports:\n    pkgA (>= 0.5),\n    stats\n")
	writeFile(t, root, "pkgs/pkgB/NAMESPACE", "export(b)\n")
	writeFile(t, root, "pkgs/pkgB/R/b.R", "b <- function() pkgA::a() + 1\n")
	writeFile(t, root, "pkgs/pkgB/tests/test_b.R", "stopifnot(pkgB::b() == 2)\n")
	writeFile(t, root, "pkgs/pkgB/tests/test_a.R", "stopifnot(pkgA::a() == 1)\n")
	writeFile(t, root, "pkgs/pkgB/tests/helper.txt", "not a test\n")

	writeFile(t, root, FileName, build)

	past := time.Now().Add(-time.Hour)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(path, past, past)
	})
	require.NoError(t, err)

	return root
}

func parseProject(t *testing.T, root string, options map[string]string) (TargetList, map[string]ScriptOption, *bytes.Buffer, error) {
	t.Helper()
	ctx, logs := testCtx(t)
	targets, opts, err := RunScript(ctx, filepath.Join(root, FileName), root, options)
	return targets, opts, logs, err
}

func TestRunScript(t *testing.T) {
	root := newProject(t, projectBuild)
	targets, options, logs, err := parseProject(t, root, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"mylib", "pkgA", "pkgA_check", "pkgB", "pkgB_test"}, targets.Names())
	assert.Contains(t, options, "channel")
	assert.Equal(t, "release", options["channel"].Default())
	assert.Contains(t, logs.String(), "channel release")

	pkgA := targets["pkgA"]
	pkgB := targets["pkgB"]
	assert.Equal(t, KindPkg, pkgB.Kind)
	assert.Equal(t, "pkgB", pkgB.PkgName)
	assert.Equal(t, "2.1", pkgB.Version)
	assert.Equal(t, "pkgs/pkgB", pkgB.SrcDir)
	assert.Equal(t, []string{"**"}, pkgB.Srcs)
	assert.Nil(t, pkgB.InstallArgs)
	assert.Equal(t, []*Target{pkgA}, pkgB.Deps)
	assert.True(t, strings.HasPrefix(pkgB.Pos, "//BUILD.star:8:"), pkgB.Pos)
	assert.Equal(t, filepath.Join(root, FileName), pkgB.File)

	test := targets["pkgB_test"]
	assert.Equal(t, KindUnitTest, test.Kind)
	assert.Same(t, pkgB, test.Pkg)
	assert.Equal(t, "pkgs/pkgB/tests", test.TestDir)
	assert.Equal(t, []string{"*.R"}, test.TestSrcs)
	assert.Equal(t, []*Target{pkgB}, test.Deps)

	check := targets["pkgA_check"]
	assert.Equal(t, KindPkgTest, check.Kind)
	assert.Same(t, pkgA, check.Pkg)
	assert.Nil(t, check.BuildArgs)
	assert.Equal(t, []string{"--no-manual", "--as-cran"}, check.CheckArgs)

	lib := targets["mylib"]
	assert.Equal(t, KindLibrary, lib.Kind)
	assert.Equal(t, []*Target{pkgB}, lib.Deps)

	for _, target := range targets {
		assert.Equal(t, "yes", target.Env["R_KEEP_PKG_SOURCE"], target.Name)
	}
}

func TestRunScriptOptions(t *testing.T) {
	root := newProject(t, projectBuild)
	_, _, logs, err := parseProject(t, root, map[string]string{"channel": "devel"})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "channel devel")
}

func TestRunScriptWithoutConfigure(t *testing.T) {
	root := newProject(t, `
r_pkg(name = "pkgA", src_dir = "//pkgs/pkgA", srcs = ["R/*.R", "DESCRIPTION", "NAMESPACE"], version = "1.0.0")
r_pkg(name = "renamed", pkg_name = "pkgB", src_dir = "pkgs/pkgB", deps = ["pkgA"], install_args = ["--no-test-load"], env = {"MAKEFLAGS": "-j4"})
`)
	targets, _, _, err := parseProject(t, root, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"R/*.R", "DESCRIPTION", "NAMESPACE"}, targets["pkgA"].Srcs)

	renamed := targets["renamed"]
	assert.Equal(t, "pkgB", renamed.PkgName)
	assert.Equal(t, []string{"--no-test-load"}, renamed.InstallArgs)
	assert.Equal(t, "-j4", renamed.Env["MAKEFLAGS"])
	assert.Equal(t, []*Target{targets["pkgA"]}, renamed.Deps)
}

func TestRunScriptErrors(t *testing.T) {
	cases := map[string]struct {
		build string
		msg   string
	}{
		"duplicate": {
			build: "r_pkg(name = \"pkgA\", src_dir = \"pkgs/pkgA\")\nr_pkg(name = \"pkgA\", src_dir = \"pkgs/pkgA\")\n",
			msg:   "was already declared",
		},
		"package mismatch": {
			build: `r_pkg(name = "other", src_dir = "pkgs/pkgA")`,
			msg:   "declares the package pkgA",
		},
		"no description": {
			build: `r_pkg(name = "pkgC", src_dir = "pkgs/pkgC")`,
			msg:   "no DESCRIPTION file",
		},
		"outside of the project": {
			build: `r_pkg(name = "pkgA", src_dir = "../pkgA")`,
			msg:   "outside of the project root",
		},
		"wrong kind": {
			build: "r_pkg(name = \"pkgA\", src_dir = \"pkgs/pkgA\")\nr_unit_test(pkg = \"pkgA\")\nr_library(name = \"lib\", pkgs = [\"pkgA_test\"])\n",
			msg:   "it has to be a r_pkg",
		},
		"reserved name": {
			build: `r_library(name = "configure", pkgs = [])`,
			msg:   "reserved",
		},
		"error builtin": {
			build: `error("unsupported platform")`,
			msg:   "unsupported platform",
		},
		"configure is not a function": {
			build: `configure = 1`,
			msg:   "not a function",
		},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			root := newProject(t, c.build)
			_, _, _, err := parseProject(t, root, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.msg)
		})
	}
}

func TestRunScriptMissingTarget(t *testing.T) {
	root := newProject(t, `r_pkg(name = "pkgB", src_dir = "pkgs/pkgB", deps = ["pkgA"])`)
	_, _, _, err := parseProject(t, root, nil)

	var missing *TargetMissing
	require.True(t, errors.As(err, &missing), "unexpected error %v", err)
	assert.Equal(t, "pkgA", missing.Name)
	assert.Equal(t, "pkgB", missing.From)
}

func TestBuiltins(t *testing.T) {
	root := newProject(t, `
v = read_yaml("config.yml", "r.version")
p = read_yaml("config.yml", "r.pkgs.1")
m = read_yaml("config.yml", "r.missing", "fallback")
info("yaml %s %s %s" % (v, p, m))
info("files %s %s %s" % (isfile("pkgs/pkgA/DESCRIPTION"), isdir("//pkgs"), isfile("pkgs")))
info("path %s" % (resolve_path("pkgs", "pkgA", base = "//") == resolve_path("//pkgs/pkgA/", base = "//")))
setenv("RBUILD_TEST_VALUE", "override")
info("env %s %s" % (getenv("RBUILD_TEST_VALUE"), getenv("RBUILD_UNSET_VALUE", "empty")))
pkg = r_pkg(name = "pkgA", src_dir = "pkgs/pkgA")
info("attrs %s %s %s" % (pkg.name, pkg.version, pkg.kind))
`)
	writeFile(t, root, "config.yml", "r:\n  version: \"4.3\"\n  pkgs:\n    - pkgA\n    - pkgB\n")

	_, _, logs, err := parseProject(t, root, nil)
	require.NoError(t, err)

	output := logs.String()
	assert.Contains(t, output, "yaml 4.3 pkgB fallback")
	assert.Contains(t, output, "files True True False")
	assert.Contains(t, output, "path True")
	assert.Contains(t, output, "env override empty")
	assert.Contains(t, output, "attrs pkgA 1.0.0 r_pkg")
}
