package rules

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/script"
)

// BuildOutputDir is the default directory below the repository root all build outputs are written to.
// The install script's symlink mode expects packages there.
const BuildOutputDir = "rbuild-out"

// UsageExitCode is returned by the install script if it's invoked with invalid arguments
const UsageExitCode = 2

const (
	libraryVar    = "RBUILD_LIBRARY"
	targetLibVar  = "LIB"
	srcRootVar    = "SRC_ROOT"
	archiveVar    = "ARCHIVE"
	archiveEnvVar = "RBUILD_LIBRARY_ARCHIVE"
)

var libraryName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// LibraryRequest describes a set of packages to assemble into a single library
type LibraryRequest struct {
	Name string
	Pkgs []*rpkg.Descriptor
	// OutDir receives the portable archive and the install script
	OutDir string
	// OutputRoot is the build output directory relative to the repository root. The install script's
	// symlink mode links packages from <repository root>/<OutputRoot>. Defaults to BuildOutputDir.
	OutputRoot  string
	InstallArgs []string
}

// LibraryPlan is the result of Assemble
type LibraryPlan struct {
	// ArchiveScript installs every package into a temporary library and archives it
	ArchiveScript *script.Script
	// InstallScript is meant to be run by users to install the library
	InstallScript *script.Script
	Archive       string
	// InstallScriptPath is where InstallScript should be written to
	InstallScriptPath string
	Closure           *closure.Result
}

// Assemble plans the portable archive and the install script of a library containing pkgs and all of
// their dependencies
func Assemble(ctx context.Context, tc Toolchain, req LibraryRequest) (*LibraryPlan, error) {
	if !libraryName.MatchString(req.Name) {
		return nil, eris.Errorf("invalid library name %q", req.Name)
	}
	if req.OutDir == "" {
		return nil, eris.Errorf("library %s has no output directory", req.Name)
	}

	res, err := closure.Resolve(req.Pkgs, "")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve packages of %s", req.Name)
	}
	warnShadowed(ctx, req.Name, res)

	archiveName := req.Name + ".tar"
	archive := outPath(req.OutDir, archiveName)

	archiveScript := script.New("library " + req.Name).
		Describe("Assembles the portable archive " + archive).
		OnCleanup(
			script.Chdir(script.Var(closure.ExecRootVar)),
			script.RemoveAll(script.Var(libraryVar)),
		)
	archiveScript.Add(
		closure.ExecRoot(),
		script.TempDir(libraryVar),
	)

	if len(res.Archives) > 0 {
		install := tc.rCmd("INSTALL", script.Lits(req.InstallArgs...)...)
		install = append(install, script.Cat(script.Lit("--library="), script.Var(libraryVar)))
		for _, item := range res.Archives {
			install = append(install, closure.LinkTarget(item))
		}

		archiveScript.Add(tc.makevars(), script.Captured(install...))
	}

	archiveScript.Add(
		script.Mkdir(closure.LinkTarget(req.OutDir)),
		script.Checked(
			script.Lit("Failed to create "+archive),
			script.Lit("tar"), script.Lit("-c"), script.Lit("-f"), closure.LinkTarget(archive),
			script.Lit("-C"), script.Var(libraryVar), script.Lit("."),
		),
		script.Exit(script.Lit("0")),
	)

	installScript, err := libraryInstaller(tc, req, res, archiveName)
	if err != nil {
		return nil, err
	}

	return &LibraryPlan{
		ArchiveScript:     archiveScript,
		InstallScript:     installScript,
		Archive:           archive,
		InstallScriptPath: outPath(req.OutDir, "install_"+req.Name+".sh"),
		Closure:           res,
	}, nil
}

const installerFlags = `usage() {
  echo "Usage: $0 [-l <library>] [-s <repository root>]" >&2
  echo "  -l  install into this library instead of R's default library" >&2
  echo "  -s  symlink the packages from <repository root>/%[1]s instead of extracting them" >&2
}

LIB=""
SRC_ROOT=""
OPTIND=1
while getopts "l:s:" opt; do
  case "$opt" in
    l) LIB="$OPTARG" ;;
    s) SRC_ROOT="$OPTARG" ;;
    *)
      usage
      exit %[2]d
      ;;
  esac
done
shift $((OPTIND - 1))
if [ "$#" -gt 0 ]; then
  usage
  exit %[2]d
fi
if [ -n "$SRC_ROOT" ]; then
  if [ ! -d "$SRC_ROOT/%[1]s" ]; then
    echo "$SRC_ROOT/%[1]s doesn't exist" >&2
    usage
    exit %[2]d
  fi
  SRC_ROOT="$(cd "$SRC_ROOT" && pwd)"
fi

case "$0" in
  */*) SCRIPT_DIR="${0%%/*}" ;;
  *) SCRIPT_DIR="." ;;
esac
ARCHIVE="${%[3]s:-$SCRIPT_DIR/%[4]s}"`

func libraryInstaller(tc Toolchain, req LibraryRequest, res *closure.Result, archiveName string) (*script.Script, error) {
	outputRoot := BuildOutputDir
	if req.OutputRoot != "" {
		outputRoot = strings.TrimSuffix(path.Clean(filepath.ToSlash(req.OutputRoot)), "/")
	}
	if path.IsAbs(outputRoot) || outputRoot == "." || strings.HasPrefix(outputRoot, "../") {
		return nil, eris.Errorf("output root %s has to be below the repository root", req.OutputRoot)
	}
	flags := fmt.Sprintf(installerFlags, outputRoot, UsageExitCode, archiveEnvVar, archiveName)

	links := []script.Step{}
	seen := make(map[string]bool)
	for _, dep := range res.Deps {
		if seen[dep.Name()] {
			continue
		}
		seen[dep.Name()] = true

		location := filepath.ToSlash(dep.InstallLocation())
		if path.IsAbs(location) {
			return nil, eris.Errorf("can't link %s from the repository since it's installed at %s", dep.Name(), location)
		}

		location = strings.TrimPrefix(path.Clean(location), outputRoot+"/")

		link := script.Path(script.Var(targetLibVar), dep.Name())
		links = append(links,
			script.RemoveAll(link),
			script.Checked(
				script.Lit("Failed to link "+dep.Name()),
				script.Lit("ln"), script.Lit("-s"),
				script.Path(script.Var(srcRootVar), outputRoot, location),
				link,
			),
		)
	}

	extract := []script.Step{
		script.Checked(
			script.Lit("Failed to extract the library"),
			script.Lit("tar"), script.Lit("-x"), script.Lit("-f"), script.Var(archiveVar),
			script.Lit("-C"), script.Var(targetLibVar),
		),
	}

	s := script.New("install " + req.Name).
		Describe("Installs the R library " + req.Name + ".").
		Describe("Packages: " + strings.Join(res.Names(), ", "))
	s.Add(
		script.Raw(flags),
		script.If(script.IsEmpty(script.Var(targetLibVar)), []script.Step{
			script.Assign(targetLibVar, script.Subst(script.Lit(tc.Rscript), script.Lit("-e"), script.Lit("cat(.libPaths()[1])"))),
		}, nil),
		script.Checked(script.Lit("Failed to create the library directory"), script.Lit("mkdir"), script.Lit("-p"), script.Var(targetLibVar)),
		script.If(script.IsSet(script.Var(srcRootVar)), links, extract),
		script.Echo(script.Cat(script.Lit("Installed "+req.Name+" into "), script.Var(targetLibVar))),
		script.Exit(script.Lit("0")),
	)

	return s, nil
}
