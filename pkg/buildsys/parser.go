package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/jml/rules-r/pkg/rpkg"
)

// FileName is the name of the file declaring the project's targets
const FileName = "BUILD.star"

var targetName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	targets      []*Target
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// optionalStringList is like starlarkIterable2stringSlice but keeps missing lists nil
func optionalStringList(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return nil, nil
	}
	return starlarkIterable2stringSlice(input, field)
}

func pathArg(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	default:
		return "", eris.Errorf("invalid type %s for %s, expected string or path", value.Type(), field)
	}
}

func targetRef(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case *Target:
		return value.Name, nil
	case starlark.String:
		return value.GoString(), nil
	default:
		return "", eris.Errorf("invalid type %s for %s, expected a target or a target name", value.Type(), field)
	}
}

func targetRefs(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		name, err := targetRef(item, field)
		if err != nil {
			return nil, err
		}
		result = append(result, name)
	}
	return result, nil
}

func starlarkDict2StringMap(dict *starlark.Dict) (map[string]string, error) {
	result := map[string]string{}
	if dict == nil {
		return result, nil
	}

	for _, rawKey := range dict.Keys() {
		var key string

		switch value := rawKey.(type) {
		case starlark.String:
			key = value.GoString()
		default:
			return nil, eris.Errorf("found key type %s in env map but only strings are supported", rawKey.Type())
		}

		rawValue, _, err := dict.Get(rawKey)
		if err != nil {
			return nil, err
		}
		switch value := rawValue.(type) {
		case starlark.String:
			result[key] = value.GoString()
		default:
			return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", rawValue.Type(), key)
		}
	}

	return result, nil
}

func position(thread *starlark.Thread) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	return fmt.Sprintf("%s:%d:%d", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	log(getCtx(thread).ctx).Info().
		Msgf("%s: %s", position(thread), fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	log(getCtx(thread).ctx).Warn().
		Msgf("%s: %s", position(thread), fmt.Sprintf(msg, args...))
}

func declare(thread *starlark.Thread, target *Target) (*Target, error) {
	if !targetName.MatchString(target.Name) {
		return nil, eris.Errorf("invalid target name %q", target.Name)
	}

	if target.Name == "configure" {
		return nil, eris.New(`the target name "configure" is reserved, please use a different name`)
	}

	ctx := getCtx(thread)
	target.Pos = position(thread)
	target.File = ctx.filepath
	ctx.targets = append(ctx.targets, target)
	return target, nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func rPkg(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var srcDir starlark.Value
	var srcs *starlark.List
	var deps *starlark.List
	var installArgs *starlark.List
	var env *starlark.Dict

	target := &Target{Kind: KindPkg}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &target.Name, "srcs?", &srcs, "deps?", &deps,
		"src_dir?", &srcDir, "pkg_name?", &target.PkgName, "version?", &target.Version,
		"install_args?", &installArgs, "env?", &env)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if target.PkgName == "" {
		target.PkgName = target.Name
	}
	if !rpkg.ValidName(target.PkgName) {
		return nil, eris.Errorf("%s: %q is not a valid R package name", fn.Name(), target.PkgName)
	}

	dir := target.Name
	if srcDir != nil {
		dir, err = pathArg(srcDir, "src_dir")
		if err != nil {
			return nil, err
		}
	}
	absSrcDir := normalizePath(ctx, dir)
	target.SrcDir, err = projectPath(ctx, absSrcDir)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: invalid src_dir", target.Name)
	}

	if srcs == nil {
		target.Srcs = []string{"**"}
	} else {
		target.Srcs, err = starlarkIterable2stringSlice(srcs, "srcs")
		if err != nil {
			return nil, err
		}
	}

	target.DepNames, err = targetRefs(deps, "deps")
	if err != nil {
		return nil, err
	}

	target.InstallArgs, err = optionalStringList(installArgs, "install_args")
	if err != nil {
		return nil, err
	}

	target.Env, err = starlarkDict2StringMap(env)
	if err != nil {
		return nil, err
	}

	descFile := filepath.Join(absSrcDir, "DESCRIPTION")
	if _, err := os.Stat(descFile); err != nil {
		return nil, eris.Wrapf(err, "%s: no DESCRIPTION file found in %s", target.Name, simplifyPath(ctx, absSrcDir))
	}

	target.Description, err = rpkg.ReadDescription(descFile)
	if err != nil {
		return nil, err
	}

	if target.Description.Package != target.PkgName {
		return nil, eris.Errorf("%s: %s declares the package %s but the target builds %s", target.Name,
			simplifyPath(ctx, descFile), target.Description.Package, target.PkgName)
	}

	if target.Version == "" {
		target.Version = target.Description.Version
	} else if target.Version != target.Description.Version {
		warn(thread, "%s: version %s differs from %s in DESCRIPTION", target.Name, target.Version, target.Description.Version)
	}

	if target.Version != "" {
		if _, err := rpkg.ParseVersion(target.Version); err != nil {
			return nil, eris.Wrapf(err, "%s: invalid version", target.Name)
		}
	}

	return declare(thread, target)
}

func rUnitTest(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pkg starlark.Value
	var testDir starlark.Value
	var srcs *starlark.List
	var deps *starlark.List
	var env *starlark.Dict

	target := &Target{Kind: KindUnitTest}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "pkg", &pkg, "name?", &target.Name, "test_dir?", &testDir,
		"srcs?", &srcs, "deps?", &deps, "env?", &env)
	if err != nil {
		return nil, err
	}

	target.PkgRef, err = targetRef(pkg, "pkg")
	if err != nil {
		return nil, err
	}
	if target.Name == "" {
		target.Name = target.PkgRef + "_test"
	}

	if testDir != nil {
		dir, err := pathArg(testDir, "test_dir")
		if err != nil {
			return nil, err
		}

		ctx := getCtx(thread)
		target.TestDir, err = projectPath(ctx, normalizePath(ctx, dir))
		if err != nil {
			return nil, eris.Wrapf(err, "%s: invalid test_dir", target.Name)
		}
	}

	if srcs == nil {
		target.TestSrcs = []string{"*.R"}
	} else {
		target.TestSrcs, err = starlarkIterable2stringSlice(srcs, "srcs")
		if err != nil {
			return nil, err
		}
	}

	target.DepNames, err = targetRefs(deps, "deps")
	if err != nil {
		return nil, err
	}

	target.Env, err = starlarkDict2StringMap(env)
	if err != nil {
		return nil, err
	}

	return declare(thread, target)
}

func rPkgTest(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pkg starlark.Value
	var buildArgs *starlark.List
	var checkArgs *starlark.List
	var env *starlark.Dict

	target := &Target{Kind: KindPkgTest}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "pkg", &pkg, "name?", &target.Name,
		"build_args?", &buildArgs, "check_args?", &checkArgs, "env?", &env)
	if err != nil {
		return nil, err
	}

	target.PkgRef, err = targetRef(pkg, "pkg")
	if err != nil {
		return nil, err
	}
	if target.Name == "" {
		target.Name = target.PkgRef + "_check"
	}

	target.BuildArgs, err = optionalStringList(buildArgs, "build_args")
	if err != nil {
		return nil, err
	}

	target.CheckArgs, err = optionalStringList(checkArgs, "check_args")
	if err != nil {
		return nil, err
	}

	target.Env, err = starlarkDict2StringMap(env)
	if err != nil {
		return nil, err
	}

	return declare(thread, target)
}

func rLibrary(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pkgs *starlark.List
	var installArgs *starlark.List
	var env *starlark.Dict

	target := &Target{Kind: KindLibrary}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &target.Name, "pkgs", &pkgs,
		"install_args?", &installArgs, "env?", &env)
	if err != nil {
		return nil, err
	}

	target.DepNames, err = targetRefs(pkgs, "pkgs")
	if err != nil {
		return nil, err
	}

	target.InstallArgs, err = optionalStringList(installArgs, "install_args")
	if err != nil {
		return nil, err
	}

	target.Env, err = starlarkDict2StringMap(env)
	if err != nil {
		return nil, err
	}

	if len(target.DepNames) == 0 {
		warn(thread, "%s: library without packages", target.Name)
	}

	return declare(thread, target)
}

// link resolves the references between the declared targets
func link(targets []*Target) (TargetList, error) {
	list := make(TargetList, len(targets))
	for _, target := range targets {
		if prev, ok := list[target.Name]; ok {
			return nil, eris.Errorf("%s: target %s was already declared at %s", target.Pos, target.Name, prev.Pos)
		}
		list[target.Name] = target
	}

	lookup := func(from *Target, name string, kind Kind) (*Target, error) {
		dep, ok := list[name]
		if !ok {
			return nil, &TargetMissing{Name: name, From: from.Name}
		}

		if kind != "" && dep.Kind != kind {
			return nil, eris.Errorf("%s: %s references %s which is a %s but it has to be a %s", from.Pos, from.Name,
				dep.Name, dep.Kind, kind)
		}
		return dep, nil
	}

	for _, target := range targets {
		target.Deps = make([]*Target, 0, len(target.DepNames)+1)

		if target.PkgRef != "" {
			pkg, err := lookup(target, target.PkgRef, KindPkg)
			if err != nil {
				return nil, err
			}

			target.Pkg = pkg
			target.Deps = append(target.Deps, pkg)
			if target.Kind == KindUnitTest && target.TestDir == "" {
				target.TestDir = pkg.SrcDir + "/tests"
			}
		}

		for _, name := range target.DepNames {
			dep, err := lookup(target, name, KindPkg)
			if err != nil {
				return nil, err
			}
			target.Deps = append(target.Deps, dep)
		}
	}

	return list, nil
}

// RunScript executes a BUILD.star file and returns the declared targets and options. If the file declares a
// configure function, it's called after the global scope has been evaluated.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string) (TargetList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"r_pkg":        starlark.NewBuiltin("r_pkg", rPkg),
		"r_unit_test":  starlark.NewBuiltin("r_unit_test", rUnitTest),
		"r_pkg_test":   starlark.NewBuiltin("r_pkg_test", rPkgTest),
		"r_library":    starlark.NewBuiltin("r_library", rLibrary),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		targets:      make([]*Target, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	displayName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, displayName, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", displayName, evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed to execute %s", displayName)
	}

	if configure, ok := globals["configure"]; ok {
		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", displayName)
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, eris.Wrapf(err, "failed configure call in %s", displayName)
		}
	}

	targets, err := link(threadCtx.targets)
	if err != nil {
		return nil, nil, err
	}

	for _, target := range targets {
		for name, value := range threadCtx.envOverrides {
			_, present := target.Env[name]
			if !present {
				target.Env[name] = value
			}
		}
	}

	return targets, threadCtx.options, nil
}
