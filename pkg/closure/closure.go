// Package closure computes the transitive dependency closure of R packages and the shell fragment which
// presents it to R as a single library directory.
package closure

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/script"
)

const (
	// StagingVar names the shell variable which holds the dependency root populated by SymlinkScript
	StagingVar = "R_LIBS_DEPS"
	// ExecRootVar names the shell variable relative install locations are resolved against
	ExecRootVar = "RBUILD_EXEC_ROOT"
)

// Result is the resolved closure over a list of direct dependencies
type Result struct {
	// Deps contains every reachable descriptor exactly once, in insertion order
	Deps []*rpkg.Descriptor
	// SearchPath contains the prefixed install location of each entry in Deps
	SearchPath []string
	// Files is the concatenation of all produced files. It may contain duplicates.
	Files []string
	// Archives lists the binary archive of each entry in Deps
	Archives []string
	// SymlinkScript empties the directory in StagingVar and links every package into it
	SymlinkScript []script.Step
	// Shadowed lists descriptors which didn't get a symlink because an earlier entry has the same name
	Shadowed []*rpkg.Descriptor
}

type orderedSet struct {
	seen  map[*rpkg.Descriptor]struct{}
	items []*rpkg.Descriptor
}

func (s *orderedSet) insert(desc *rpkg.Descriptor) {
	if _, ok := s.seen[desc]; ok {
		return
	}
	s.seen[desc] = struct{}{}
	s.items = append(s.items, desc)
}

// Resolve computes the closure of direct. prefix is prepended to every install location.
//
// Each direct dependency is inserted before the members of its own transitive set. Descriptors are
// deduplicated by identity, so two distinct descriptors sharing a name are both kept.
func Resolve(direct []*rpkg.Descriptor, prefix string) (*Result, error) {
	roots := make([]*rpkg.Descriptor, 0, len(direct))
	for _, dep := range direct {
		if dep != nil {
			roots = append(roots, dep)
		}
	}

	_, err := TopoSort(roots, (*rpkg.Descriptor).TransitiveDeps)
	if err != nil {
		return nil, err
	}

	set := &orderedSet{seen: make(map[*rpkg.Descriptor]struct{})}
	for _, dep := range roots {
		set.insert(dep)
		for _, item := range dep.TransitiveDeps() {
			set.insert(item)
		}
	}

	result := &Result{
		Deps:       set.items,
		SearchPath: make([]string, 0, len(set.items)),
		Archives:   make([]string, 0, len(set.items)),
		Files:      make([]string, 0),
		SymlinkScript: []script.Step{
			script.RemoveAll(script.Var(StagingVar)),
			script.Mkdir(script.Var(StagingVar)),
		},
	}

	linked := make(map[string]bool)
	for _, dep := range set.items {
		location := prefix + dep.InstallLocation()
		result.SearchPath = append(result.SearchPath, location)
		result.Archives = append(result.Archives, dep.Archive())
		result.Files = append(result.Files, dep.ProducedFiles()...)

		if linked[dep.Name()] {
			result.Shadowed = append(result.Shadowed, dep)
			continue
		}
		linked[dep.Name()] = true

		result.SymlinkScript = append(result.SymlinkScript,
			script.Symlink(LinkTarget(location), script.Path(script.Var(StagingVar), dep.Name())))
	}

	return result, nil
}

// LinkTarget returns a word resolving location against the execution root unless it's already absolute
func LinkTarget(location string) script.Word {
	if path.IsAbs(filepath.ToSlash(location)) || filepath.IsAbs(location) {
		return script.Lit(location)
	}
	return script.Cat(script.Var(ExecRootVar), script.Lit("/"+strings.TrimPrefix(location, "./")))
}

// ExecRoot records the current directory in ExecRootVar. It has to run before SymlinkScript.
func ExecRoot() script.Step {
	return script.Assign(ExecRootVar, script.Subst(script.Lit("pwd")))
}

// Names returns the names of the descriptors in order
func (r *Result) Names() []string {
	names := make([]string, len(r.Deps))
	for idx, dep := range r.Deps {
		names[idx] = dep.Name()
	}
	return names
}
