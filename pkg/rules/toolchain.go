// Package rules generates the scripts which build, test, check and assemble R packages. The functions
// here only plan the work: they return scripts and predicted outputs, running them is up to the caller.
package rules

import (
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/script"
)

// DefaultPkgConfigPath is exported on macOS where pkg-config doesn't look into these directories by default
const DefaultPkgConfigPath = "/usr/local/lib/pkgconfig:/opt/homebrew/lib/pkgconfig:/opt/X11/lib/pkgconfig"

// LibsVar is the variable R reads its library search path from
const LibsVar = "R_LIBS"

// Toolchain describes the R installation the scripts invoke
type Toolchain struct {
	R       string
	Rscript string
	// Makevars files passed through R_MAKEVARS_USER, depending on the host OS. Empty values leave the
	// variable unset.
	MakevarsLinux  string
	MakevarsDarwin string
	PkgConfigPath  string
}

// DefaultToolchain looks up R and Rscript in PATH
func DefaultToolchain() Toolchain {
	return Toolchain{
		R:             "R",
		Rscript:       "Rscript",
		PkgConfigPath: DefaultPkgConfigPath,
	}
}

// Validate checks that all required fields are set
func (tc Toolchain) Validate() error {
	if tc.R == "" {
		return eris.New("no R binary configured")
	}
	if tc.Rscript == "" {
		return eris.New("no Rscript binary configured")
	}
	return nil
}

func (tc Toolchain) rCmd(sub string, args ...script.Word) []script.Word {
	return append([]script.Word{script.Lit(tc.R), script.Lit("CMD"), script.Lit(sub)}, args...)
}

// makevars selects the makevars override and the pkg-config search path by host OS
func (tc Toolchain) makevars() script.Step {
	linux := []script.Step{}
	if tc.MakevarsLinux != "" {
		linux = append(linux, script.Export("R_MAKEVARS_USER", closure.LinkTarget(tc.MakevarsLinux)))
	}

	darwin := []script.Step{}
	if tc.MakevarsDarwin != "" {
		darwin = append(darwin, script.Export("R_MAKEVARS_USER", closure.LinkTarget(tc.MakevarsDarwin)))
	}

	pkgConfig := tc.PkgConfigPath
	if pkgConfig == "" {
		pkgConfig = DefaultPkgConfigPath
	}
	darwin = append(darwin, script.Export("PKG_CONFIG_PATH", script.Lit(pkgConfig)))

	return script.SwitchOS(
		script.Branch{Patterns: []string{"Darwin"}, Steps: darwin},
		script.Branch{Patterns: []string{"*"}, Steps: linux},
	)
}

// dependencyRoot materializes the closure in a fresh temporary directory and points R at it
func dependencyRoot(res *closure.Result) []script.Step {
	steps := []script.Step{
		script.Comment("dependency root: " + strings.Join(res.Names(), " ")),
		closure.ExecRoot(),
		script.TempDir(closure.StagingVar),
	}
	steps = append(steps, res.SymlinkScript...)
	steps = append(steps, script.Export(LibsVar, script.Var(closure.StagingVar)))
	return steps
}

// outPath joins output path elements with forward slashes
func outPath(elems ...string) string {
	return path.Clean(strings.ReplaceAll(path.Join(elems...), "\\", "/"))
}
