package buildsys

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/rpkg"
	"github.com/jml/rules-r/pkg/rules"
	"github.com/jml/rules-r/pkg/script"
)

// RunOptions controls how targets are planned and executed
type RunOptions struct {
	Toolchain rules.Toolchain
	// OutputDir is the directory below the project root receiving all outputs
	OutputDir string
	// InstallArgs, BuildArgs and CheckArgs are used for targets which don't set their own
	InstallArgs []string
	BuildArgs   []string
	CheckArgs   []string

	Handlers map[string]script.ExecFunc
	Stdout   io.Writer
	Stderr   io.Writer

	// DryRun only logs the generated scripts
	DryRun bool
	// Force runs targets even if their outputs are up to date
	Force bool
	// OnTarget is called whenever a target finished or was skipped
	OnTarget func(target *Target)
}

// PlanStep is a single generated script
type PlanStep struct {
	Script *script.Script
	// Path is where the script is written to, relative to the project root
	Path string
	// Run is false for scripts which are only written, like a library's install script
	Run bool
}

// Plan describes everything necessary to build a single target
type Plan struct {
	Target *Target
	Steps  []PlanStep
	// Inputs are absolute paths. A target is up to date if all of its outputs are newer than its inputs.
	Inputs []string
	// Outputs are relative to the project root. Targets without outputs always run.
	Outputs []string
	// Descriptor is only set for r_pkg targets
	Descriptor *rpkg.Descriptor
	Closure    *closure.Result
	// Library is only set for r_library targets
	Library *rules.LibraryPlan
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// resolvePatternLists expands the glob patterns relative to base and returns the matching files relative
// to base. Directories are skipped.
func resolvePatternLists(base string, patterns []string) ([]string, error) {
	result := []string{}
	seen := map[string]bool{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
		NullGlob: true,
	}

	quotedBase, err := syntax.Quote(filepath.ToSlash(base)+"/", syntax.LangPOSIX)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to quote %s", base)
	}

	parser := syntax.NewParser()
	for _, item := range patterns {
		if path.IsAbs(item) || item == ".." || strings.HasPrefix(path.Clean(item), "../") {
			return nil, eris.Errorf("pattern %s has to be relative and inside %s", item, base)
		}

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(quotedBase+item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, eris.Wrapf(err, "Failed to check %s", match)
			}
			if info.IsDir() {
				continue
			}

			rel, err := filepath.Rel(base, match)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				result = append(result, rel)
			}
		}
	}
	return result, nil
}

func absPath(projectRoot, rel string) string {
	return filepath.Join(projectRoot, filepath.FromSlash(rel))
}

func (opts *RunOptions) outDir(target *Target) string {
	return path.Join(filepath.ToSlash(opts.OutputDir), target.Name)
}

func pickArgs(own, fallback []string) []string {
	if own != nil {
		return own
	}
	return fallback
}

func descriptorsOf(targets []*Target, published map[*Target]*rpkg.Descriptor) ([]*rpkg.Descriptor, error) {
	result := make([]*rpkg.Descriptor, 0, len(targets))
	for _, target := range targets {
		desc, ok := published[target]
		if !ok {
			return nil, eris.Errorf("the package %s hasn't been planned yet", target.Name)
		}
		result = append(result, desc)
	}
	return result, nil
}

// PlanTargets plans the given targets and all of their dependencies. Dependencies come first in the
// returned list.
func PlanTargets(ctx context.Context, projectRoot string, targets TargetList, names []string, opts RunOptions) ([]*Plan, error) {
	if opts.OutputDir == "" {
		opts.OutputDir = rules.BuildOutputDir
	}

	roots := make([]*Target, 0, len(names))
	for _, name := range names {
		target, ok := targets[name]
		if !ok {
			return nil, &TargetMissing{Name: name}
		}
		roots = append(roots, target)
	}

	order, err := closure.TopoSort(roots, (*Target).edges)
	if err != nil {
		return nil, err
	}

	published := make(map[*Target]*rpkg.Descriptor)
	plans := make([]*Plan, 0, len(order))
	for _, target := range order {
		var plan *Plan
		switch target.Kind {
		case KindPkg:
			plan, err = planPkg(ctx, projectRoot, target, published, &opts)
		case KindUnitTest:
			plan, err = planUnitTest(ctx, projectRoot, target, published, &opts)
		case KindPkgTest:
			plan, err = planPkgTest(ctx, target, published, &opts)
		case KindLibrary:
			plan, err = planLibrary(ctx, projectRoot, target, published, &opts)
		default:
			err = eris.Errorf("unknown target kind %s", target.Kind)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "failed to plan %s", target.Name)
		}

		if plan.Descriptor != nil {
			published[target] = plan.Descriptor
		}
		plans = append(plans, plan)
	}

	return plans, nil
}

func planPkg(ctx context.Context, projectRoot string, target *Target, published map[*Target]*rpkg.Descriptor, opts *RunOptions) (*Plan, error) {
	deps, err := descriptorsOf(target.Deps, published)
	if err != nil {
		return nil, err
	}

	if target.Description != nil {
		res, err := closure.Resolve(deps, "")
		if err != nil {
			return nil, err
		}

		err = rpkg.CheckConstraints(target.Description, res.Deps)
		if err != nil {
			return nil, err
		}
	}

	srcDir := absPath(projectRoot, target.SrcDir)
	srcs, err := resolvePatternLists(srcDir, target.Srcs)
	if err != nil {
		return nil, err
	}

	outDir := opts.outDir(target)
	build, err := rules.Build(ctx, opts.Toolchain, rules.BuildRequest{
		Name:        target.PkgName,
		Version:     target.Version,
		SrcDir:      target.SrcDir,
		Srcs:        srcs,
		Deps:        deps,
		OutDir:      outDir,
		InstallArgs: pickArgs(target.InstallArgs, opts.InstallArgs),
	})
	if err != nil {
		return nil, err
	}

	inputs := []string{target.File}
	for _, src := range srcs {
		inputs = append(inputs, filepath.Join(srcDir, filepath.FromSlash(src)))
	}
	for _, archive := range build.Closure.Archives {
		inputs = append(inputs, absPath(projectRoot, archive))
	}

	return &Plan{
		Target:     target,
		Steps:      []PlanStep{{Script: build.Script, Path: path.Join(outDir, "build.sh"), Run: true}},
		Inputs:     inputs,
		Outputs:    build.Outputs,
		Descriptor: build.Descriptor,
		Closure:    build.Closure,
	}, nil
}

func planUnitTest(ctx context.Context, projectRoot string, target *Target, published map[*Target]*rpkg.Descriptor, opts *RunOptions) (*Plan, error) {
	deps, err := descriptorsOf(target.Deps, published)
	if err != nil {
		return nil, err
	}

	files, err := resolvePatternLists(absPath(projectRoot, target.TestDir), target.TestSrcs)
	if err != nil {
		return nil, err
	}

	test, err := rules.UnitTest(ctx, opts.Toolchain, rules.TestRequest{
		Name:    target.Name,
		TestDir: target.TestDir,
		Files:   files,
		Deps:    deps,
	})
	if err != nil {
		return nil, err
	}

	return &Plan{
		Target:  target,
		Steps:   []PlanStep{{Script: test.Script, Path: path.Join(opts.outDir(target), "test.sh"), Run: true}},
		Closure: test.Closure,
	}, nil
}

func planPkgTest(ctx context.Context, target *Target, published map[*Target]*rpkg.Descriptor, opts *RunOptions) (*Plan, error) {
	// R CMD check installs the package itself, it only needs the dependencies
	deps, err := descriptorsOf(target.Pkg.Deps, published)
	if err != nil {
		return nil, err
	}

	outDir := opts.outDir(target)
	check, err := rules.Check(ctx, opts.Toolchain, rules.CheckRequest{
		Name:      target.Pkg.PkgName,
		SrcDir:    target.Pkg.SrcDir,
		Deps:      deps,
		OutDir:    outDir,
		BuildArgs: pickArgs(target.BuildArgs, opts.BuildArgs),
		CheckArgs: pickArgs(target.CheckArgs, opts.CheckArgs),
	})
	if err != nil {
		return nil, err
	}

	return &Plan{
		Target: target,
		Steps: []PlanStep{
			{Script: check.ArchiveScript, Path: path.Join(outDir, "archive.sh"), Run: true},
			{Script: check.CheckScript, Path: path.Join(outDir, "check.sh"), Run: true},
		},
		Closure: check.Closure,
	}, nil
}

func planLibrary(ctx context.Context, projectRoot string, target *Target, published map[*Target]*rpkg.Descriptor, opts *RunOptions) (*Plan, error) {
	pkgs, err := descriptorsOf(target.Deps, published)
	if err != nil {
		return nil, err
	}

	outDir := opts.outDir(target)
	library, err := rules.Assemble(ctx, opts.Toolchain, rules.LibraryRequest{
		Name:        target.Name,
		Pkgs:        pkgs,
		OutDir:      outDir,
		OutputRoot:  opts.OutputDir,
		InstallArgs: pickArgs(target.InstallArgs, opts.InstallArgs),
	})
	if err != nil {
		return nil, err
	}

	inputs := []string{target.File}
	for _, archive := range library.Closure.Archives {
		inputs = append(inputs, absPath(projectRoot, archive))
	}

	return &Plan{
		Target: target,
		Steps: []PlanStep{
			{Script: library.ArchiveScript, Path: path.Join(outDir, "archive.sh"), Run: true},
			{Script: library.InstallScript, Path: library.InstallScriptPath},
		},
		Inputs:  inputs,
		Outputs: []string{library.Archive, library.InstallScriptPath},
		Closure: library.Closure,
		Library: library,
	}, nil
}

// Build plans the given targets and runs them and all of their dependencies in order. It stops at the
// first failure and returns the descriptors of all packages built (or found up to date) until then.
func Build(ctx context.Context, projectRoot string, targets TargetList, names []string, opts RunOptions) (map[string]*rpkg.Descriptor, error) {
	plans, err := PlanTargets(ctx, projectRoot, targets, names, opts)
	if err != nil {
		return nil, err
	}

	return RunPlans(ctx, projectRoot, plans, opts)
}

// RunPlans runs plans returned by PlanTargets in order
func RunPlans(ctx context.Context, projectRoot string, plans []*Plan, opts RunOptions) (map[string]*rpkg.Descriptor, error) {
	published := make(map[string]*rpkg.Descriptor)
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		err := runPlan(ctx, projectRoot, plan, &opts)
		if err != nil {
			return published, eris.Wrapf(err, "Target %s failed", plan.Target.Name)
		}

		if plan.Descriptor != nil && !opts.DryRun {
			published[plan.Target.Name] = plan.Descriptor
		}

		if opts.OnTarget != nil {
			opts.OnTarget(plan.Target)
		}
	}

	return published, nil
}

func upToDate(ctx context.Context, projectRoot string, plan *Plan) (bool, error) {
	if len(plan.Outputs) == 0 {
		return false, nil
	}

	var newestInput time.Time
	for _, item := range plan.Inputs {
		info, err := os.Stat(item)
		if err != nil {
			// archives of dependencies don't exist before their first build
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().Sub(newestInput) > 0 {
			newestInput = info.ModTime()
		}
	}

	var newestOutput time.Time
	oldestOutput := time.Now()
	for _, item := range plan.Outputs {
		info, err := os.Stat(absPath(projectRoot, item))
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "Failed to check output %s", item)
		}

		mt := info.ModTime()
		if mt.Sub(newestOutput) > 0 {
			newestOutput = mt
		}
		if oldestOutput.Sub(mt) > 0 {
			oldestOutput = mt
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("target", plan.Target.Name).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if oldestOutput.Sub(newestInput) > 0 {
		log(ctx).Info().
			Str("target", plan.Target.Name).
			Msgf("nothing to do (output is %f seconds newer)", oldestOutput.Sub(newestInput).Seconds())
		return true, nil
	}
	return false, nil
}

func runPlan(ctx context.Context, projectRoot string, plan *Plan, opts *RunOptions) error {
	if !opts.Force {
		skip, err := upToDate(ctx, projectRoot, plan)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
	}

	runner := &script.Runner{
		Dir:      projectRoot,
		Env:      targetEnv(plan.Target),
		Stdout:   opts.Stdout,
		Stderr:   opts.Stderr,
		Handlers: opts.Handlers,
	}

	for _, step := range plan.Steps {
		if opts.DryRun {
			content, err := step.Script.Render()
			if err != nil {
				return err
			}

			log(ctx).Info().
				Str("target", plan.Target.Name).
				Bool("script", true).
				Str("path", step.Path).
				Msg(content)
			continue
		}

		dest := absPath(projectRoot, step.Path)
		err := os.MkdirAll(filepath.Dir(dest), 0770)
		if err != nil {
			return eris.Wrapf(err, "Failed to create directory for %s", step.Path)
		}

		err = step.Script.WriteFile(dest)
		if err != nil {
			return err
		}

		if !step.Run {
			continue
		}

		log(ctx).Info().
			Str("target", plan.Target.Name).
			Msg(step.Script.Name)

		err = runner.Run(ctx, step.Script)
		if err != nil {
			return err
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// SortedNames returns the names of the given descriptors' targets in lexicographic order
func SortedNames(descriptors map[string]*rpkg.Descriptor) []string {
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
