package rules

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/script"
)

const scratchVar = "RBUILD_SCRATCH"

// TestRequest describes a directory of R test scripts
type TestRequest struct {
	Name string
	// TestDir is copied into a scratch directory before the tests run
	TestDir string
	// Files are the test scripts relative to TestDir
	Files []string
	Deps  []*rpkg.Descriptor
}

// TestPlan is the result of UnitTest
type TestPlan struct {
	Script  *script.Script
	Closure *closure.Result
	// Files lists the test scripts in execution order
	Files []string
}

// UnitTest plans a script which runs every test file with Rscript, in lexicographic order, and stops at
// the first failure
func UnitTest(ctx context.Context, tc Toolchain, req TestRequest) (*TestPlan, error) {
	if req.TestDir == "" {
		return nil, eris.Errorf("test %s has no test directory", req.Name)
	}

	res, err := closure.Resolve(req.Deps, "")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve dependencies of %s", req.Name)
	}
	warnShadowed(ctx, req.Name, res)

	files := make([]string, len(req.Files))
	copy(files, req.Files)
	sort.Strings(files)

	s := script.New("test " + req.Name).
		Describe("Runs the tests of " + req.Name).
		OnCleanup(
			script.Chdir(script.Var(closure.ExecRootVar)),
			script.RemoveAll(script.Var(scratchVar), script.Var(closure.StagingVar)),
		)
	s.Add(dependencyRoot(res)...)
	s.Add(
		script.TempDir(scratchVar),
		script.CopyContents(closure.LinkTarget(req.TestDir), script.Var(scratchVar)),
		script.Chdir(script.Var(scratchVar)),
	)

	for _, file := range files {
		msg := script.Cat(
			script.Lit("Test "+file+" failed with exit code "),
			script.Var(script.StatusVar),
		)
		s.Add(
			script.Echo(script.Lit("Running "+file)),
			script.Checked(msg, script.Lit(tc.Rscript), script.Lit(file)),
		)
	}
	s.Add(script.Exit(script.Lit("0")))

	return &TestPlan{
		Script:  s,
		Closure: res,
		Files:   files,
	}, nil
}
