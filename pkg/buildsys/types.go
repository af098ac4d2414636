package buildsys

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"

	"github.com/jml/rules-r/pkg/rpkg"
)

// Kind identifies the rule a target was declared with
type Kind string

const (
	KindPkg      Kind = "r_pkg"
	KindUnitTest Kind = "r_unit_test"
	KindPkgTest  Kind = "r_pkg_test"
	KindLibrary  Kind = "r_library"
)

// Target contains the processed values passed to one of the rule builtins
type Target struct {
	Kind Kind
	Name string
	// Pos is the position of the declaring call
	Pos string
	// File is the absolute path of the declaring BUILD file
	File string
	Env map[string]string
	// DepNames lists the targets this one depends on. They're resolved to Deps once the whole file
	// has been evaluated.
	DepNames []string
	Deps     []*Target

	// r_pkg
	PkgName string
	Version string
	// SrcDir and the other paths are relative to the project root
	SrcDir string
	// Srcs are patterns relative to SrcDir
	Srcs []string
	// InstallArgs, BuildArgs and CheckArgs are nil if the BUILD file didn't set them
	InstallArgs []string
	Description *rpkg.Description

	// r_unit_test and r_pkg_test
	Pkg     *Target
	PkgRef  string
	TestDir string
	// TestSrcs are patterns relative to TestDir
	TestSrcs  []string
	BuildArgs []string
	CheckArgs []string
}

// TargetList maps target names to targets
type TargetList map[string]*Target

// Names returns the sorted names of all targets
func (l TargetList) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TargetMissing is returned if a target references or requests a target which wasn't declared
type TargetMissing struct {
	Name string
	// From is the target containing the reference; empty for requested targets
	From string
}

var _ error = (*TargetMissing)(nil)

func (e TargetMissing) Error() string {
	if e.From == "" {
		return fmt.Sprintf("The target %s is not declared.", e.Name)
	}
	return fmt.Sprintf("The target %s referenced by %s is not declared.", e.Name, e.From)
}

// ScriptOption describes a value declared with option()
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

func (t *Target) edges() []*Target {
	return t.Deps
}

// Implement starlark.Value for *Target

// String returns a string representation of the target
func (t *Target) String() string {
	return fmt.Sprintf("<%s %s>", t.Kind, t.Name)
}

// Type returns the rule which declared this target
func (t *Target) Type() string {
	return string(t.Kind)
}

// Freeze doesn't do anything since targets can't be modified from Starlark
func (t *Target) Freeze() {}

// Truth always returns true since a target can't be nil or None
func (t *Target) Truth() starlark.Bool {
	return starlark.True
}

// Hash uses the target name since names are unique within a BUILD file
func (t *Target) Hash() (uint32, error) {
	return starlark.String(t.Name).Hash()
}

// Attr exposes a few read-only fields to BUILD files
func (t *Target) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(t.Name), nil
	case "kind":
		return starlark.String(t.Kind), nil
	case "pkg_name":
		if t.Kind == KindPkg {
			return starlark.String(t.PkgName), nil
		}
	case "version":
		if t.Kind == KindPkg {
			return starlark.String(t.Version), nil
		}
	case "src_dir":
		if t.Kind == KindPkg {
			return starlark.String("//" + t.SrcDir), nil
		}
	}
	return nil, nil
}

func (t *Target) AttrNames() []string {
	if t.Kind == KindPkg {
		return []string{"kind", "name", "pkg_name", "src_dir", "version"}
	}
	return []string{"kind", "name"}
}

var _ starlark.HasAttrs = (*Target)(nil)

// StarlarkPath is a normalized path returned by resolve_path()
type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Len() int {
	return len(p)
}
