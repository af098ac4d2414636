package rules

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/script"
)

// CheckRequest describes a package to run R CMD check on
type CheckRequest struct {
	Name      string
	SrcDir    string
	Deps      []*rpkg.Descriptor
	OutDir    string
	BuildArgs []string
	CheckArgs []string
}

// CheckPlan is the result of Check
type CheckPlan struct {
	// ArchiveScript builds the source archive with R CMD build
	ArchiveScript *script.Script
	// CheckScript runs R CMD check on the source archive and exits with its status
	CheckScript   *script.Script
	SourceArchive string
	Closure       *closure.Result
}

// SourceArchive returns the path of a package's source archive
func SourceArchive(outDir, name string) string {
	return outPath(outDir, name+".src.tar.gz")
}

// Check plans building a source archive of the package and running R CMD check against it
func Check(ctx context.Context, tc Toolchain, req CheckRequest) (*CheckPlan, error) {
	if !rpkg.ValidName(req.Name) {
		return nil, eris.Errorf("invalid package name %q", req.Name)
	}
	if req.SrcDir == "" || req.OutDir == "" {
		return nil, eris.Errorf("package %s needs a source and an output directory", req.Name)
	}

	res, err := closure.Resolve(req.Deps, "")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve dependencies of %s", req.Name)
	}
	warnShadowed(ctx, req.Name, res)

	archive := SourceArchive(req.OutDir, req.Name)

	// R CMD build may install the package to build vignettes, so it needs the dependencies as well
	build := tc.rCmd("build", script.Lits(req.BuildArgs...)...)
	build = append(build, closure.LinkTarget(req.SrcDir))

	archiveScript := script.New("archive " + req.Name).
		Describe("Builds the source archive of " + req.Name).
		OnCleanup(
			script.Chdir(script.Var(closure.ExecRootVar)),
			script.RemoveAll(script.Var(closure.StagingVar), script.Var(buildDirVar)),
		)
	archiveScript.Add(dependencyRoot(res)...)
	archiveScript.Add(
		tc.makevars(),
		script.Mkdir(closure.LinkTarget(req.OutDir)),
		script.TempDir(buildDirVar),
		script.Chdir(script.Var(buildDirVar)),
		script.Captured(build...),
		script.Chdir(script.Var(closure.ExecRootVar)),
		script.Checked(
			script.Lit("R CMD build didn't produce a source archive for "+req.Name),
			script.Lit("mv"),
			script.Cat(script.Var(buildDirVar), script.Lit("/"+req.Name+"_"), script.Glob("*.tar.gz")),
			closure.LinkTarget(archive),
		),
		script.Exit(script.Lit("0")),
	)

	check := tc.rCmd("check", script.Lits(req.CheckArgs...)...)
	check = append(check, closure.LinkTarget(archive))

	checkScript := script.New("check " + req.Name).
		Describe("Runs R CMD check on " + archive).
		OnCleanup(
			script.Chdir(script.Var(closure.ExecRootVar)),
			script.RemoveAll(script.Var(closure.StagingVar), script.Var(buildDirVar)),
		)
	checkScript.Add(dependencyRoot(res)...)
	checkScript.Add(
		tc.makevars(),
		script.TempDir(buildDirVar),
		script.Chdir(script.Var(buildDirVar)),
		script.Run(check...),
		script.RecordStatus(script.StatusVar),
		script.Exit(script.Var(script.StatusVar)),
	)

	return &CheckPlan{
		ArchiveScript: archiveScript,
		CheckScript:   checkScript,
		SourceArchive: archive,
		Closure:       res,
	}, nil
}
