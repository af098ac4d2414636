package rules

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/script"
)

const buildDirVar = "RBUILD_BUILD_DIR"

// BuildRequest describes a single R package to build
type BuildRequest struct {
	// Name is the R package name
	Name    string
	Version string
	// SrcDir is the package root containing DESCRIPTION
	SrcDir string
	// Srcs are the package's source files relative to SrcDir
	Srcs []string
	Deps []*rpkg.Descriptor
	// OutDir receives the installed package in lib/<Name> and the binary archive
	OutDir      string
	InstallArgs []string
}

// BuildPlan is the result of Build
type BuildPlan struct {
	Script *script.Script
	// Outputs lists every file the script produces
	Outputs []string
	// Descriptor describes the package once the script succeeded
	Descriptor *rpkg.Descriptor
	Closure    *closure.Result
}

// LibDir returns the library directory a package is installed into
func LibDir(outDir string) string {
	return outPath(outDir, "lib")
}

// BinaryArchive returns the path of a package's binary archive
func BinaryArchive(outDir, name string) string {
	return outPath(outDir, name+".bin.tar.gz")
}

// Build plans the installation of a package with R CMD INSTALL against its dependency closure
func Build(ctx context.Context, tc Toolchain, req BuildRequest) (*BuildPlan, error) {
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

	libDir := LibDir(req.OutDir)
	installDir := outPath(libDir, req.Name)
	archive := BinaryArchive(req.OutDir, req.Name)
	files := rpkg.ClassifySources(req.Srcs).ProducedFiles(installDir, req.Name)

	desc, err := rpkg.NewDescriptor(req.Name, req.Version, installDir, archive, files, res.Deps)
	if err != nil {
		return nil, err
	}

	install := tc.rCmd("INSTALL", script.Lits(req.InstallArgs...)...)
	install = append(install,
		script.Lit("--build"),
		script.Cat(script.Lit("--library="), closure.LinkTarget(libDir)),
		closure.LinkTarget(req.SrcDir),
	)

	s := script.New("build " + req.Name).
		Describe("Installs the R package " + req.Name + " into " + libDir).
		OnCleanup(
			script.Chdir(script.Var(closure.ExecRootVar)),
			script.RemoveAll(script.Var(closure.StagingVar), script.Var(buildDirVar)),
		)
	s.Add(dependencyRoot(res)...)
	s.Add(
		tc.makevars(),
		script.RemoveAll(closure.LinkTarget(installDir)),
		script.Mkdir(closure.LinkTarget(libDir)),
		script.TempDir(buildDirVar),
		script.Chdir(script.Var(buildDirVar)),
		script.Captured(install...),
		script.Echo(script.Var(script.OutputVar)),
		script.Chdir(script.Var(closure.ExecRootVar)),
		script.Checked(
			script.Lit("R CMD INSTALL didn't produce a binary archive for "+req.Name),
			script.Lit("mv"),
			script.Cat(script.Var(buildDirVar), script.Lit("/"+req.Name+"_"), script.Glob("*")),
			closure.LinkTarget(archive),
		),
		script.Exit(script.Lit("0")),
	)

	outputs := append(desc.ProducedFiles(), archive)
	return &BuildPlan{
		Script:     s,
		Outputs:    outputs,
		Descriptor: desc,
		Closure:    res,
	}, nil
}

func warnShadowed(ctx context.Context, name string, res *closure.Result) {
	for _, dep := range res.Shadowed {
		zerolog.Ctx(ctx).Warn().Msgf("%s: dependency %s at %s is shadowed by another package with the same name",
			name, dep.Name(), dep.InstallLocation())
	}
}
