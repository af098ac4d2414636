// Package posix contains cross-platform implementations of the few POSIX utilities the generated
// scripts rely on. They back both the "tool" commands of the CLI and the in-process script runner.
package posix

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

// Env describes the environment a command runs in
type Env struct {
	// Dir is the working directory relative paths are resolved against
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
}

// LocalEnv returns an Env for the current process
func LocalEnv() Env {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	return Env{
		Dir:    wd,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Getenv: os.Getenv,
	}
}

func (e Env) resolve(path string) string {
	if filepath.IsAbs(path) || e.Dir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(e.Dir, path)
}

func (e Env) getenv(name string) string {
	if e.Getenv == nil {
		return ""
	}
	return e.Getenv(name)
}

// Command implements a single utility
type Command struct {
	Short string
	Run   func(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error
	Flags func(flags *pflag.FlagSet)
}

// Commands lists every available utility by name
var Commands = map[string]Command{}

func init() {
	Commands["mkdir"] = Command{Short: "create directories", Run: mkdir, Flags: func(f *pflag.FlagSet) {
		f.BoolP("parents", "p", false, "create parent directories as needed")
	}}
	Commands["rm"] = Command{Short: "remove files and directories", Run: rm, Flags: func(f *pflag.FlagSet) {
		f.BoolP("recursive", "r", false, "recursively delete directories")
		f.BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	}}
	Commands["mv"] = Command{Short: "move files", Run: mv}
	Commands["ln"] = Command{Short: "create links", Run: ln, Flags: func(f *pflag.FlagSet) {
		f.BoolP("symbolic", "s", false, "create a symbolic link")
		f.BoolP("force", "f", false, "replace existing destination files")
	}}
	Commands["cp"] = Command{Short: "copy files and directories", Run: cp, Flags: func(f *pflag.FlagSet) {
		f.BoolP("recursive", "R", false, "copy directories recursively")
		f.BoolP("recursive-alias", "r", false, "same as -R")
	}}
	Commands["mktemp"] = Command{Short: "create a temporary file or directory", Run: mktemp, Flags: func(f *pflag.FlagSet) {
		f.BoolP("directory", "d", false, "create a directory instead of a file")
		f.StringP("tmpdir", "p", "", "create the item inside this directory")
	}}
	Commands["tar"] = Command{Short: "create and extract tar archives", Run: tarCmd, Flags: func(f *pflag.FlagSet) {
		f.BoolP("create", "c", false, "create an archive")
		f.BoolP("extract", "x", false, "extract an archive")
		f.StringP("file", "f", "", "archive file")
		f.StringP("directory", "C", "", "change to this directory first")
	}}
	Commands["uname"] = Command{Short: "print the operating system name", Run: uname, Flags: func(f *pflag.FlagSet) {
		f.BoolP("kernel-name", "s", false, "print the kernel name")
	}}
}

// Has reports whether name is implemented by this package
func Has(name string) bool {
	_, ok := Commands[name]
	return ok
}

// Names returns the sorted list of utilities
func Names() []string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes args[0] with the remaining arguments
func Run(ctx context.Context, env Env, args []string) error {
	if len(args) == 0 {
		return eris.New("no command given")
	}

	cmd, ok := Commands[args[0]]
	if !ok {
		return eris.Errorf("unknown command %s", args[0])
	}

	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	if cmd.Flags != nil {
		cmd.Flags(flags)
	}

	err := flags.Parse(args[1:])
	if err != nil {
		return eris.Wrapf(err, "invalid arguments")
	}

	return cmd.Run(ctx, env, flags, flags.Args())
}

func mv(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	if len(args) < 2 {
		return eris.New("Not enough parameters")
	}

	dest := env.resolve(args[len(args)-1])
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	info, err = os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}
	destIsDir := err == nil && info.IsDir()

	items, err := expandArgs(env, args[:len(args)-1], false)
	if err != nil {
		return err
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

func rm(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	recursive, err := flags.GetBool("recursive")
	if err != nil {
		return err
	}

	force, err := flags.GetBool("force")
	if err != nil {
		return err
	}

	items, err := expandArgs(env, args, force)
	if err != nil {
		return err
	}

	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

func mkdir(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	makeParents, err := flags.GetBool("parents")
	if err != nil {
		return err
	}

	for _, item := range args {
		item = env.resolve(item)
		if makeParents {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

func ln(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	symbolic, err := flags.GetBool("symbolic")
	if err != nil {
		return err
	}

	force, err := flags.GetBool("force")
	if err != nil {
		return err
	}

	if len(args) != 2 {
		return eris.Errorf("expected a target and a link name but got %d arguments", len(args))
	}

	link := env.resolve(args[1])
	if info, err := os.Stat(link); err == nil && info.IsDir() {
		if fi, lerr := os.Lstat(link); lerr == nil && fi.Mode()&os.ModeSymlink == 0 {
			link = filepath.Join(link, filepath.Base(args[0]))
		}
	}

	if force {
		err = os.Remove(link)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "Failed to replace %s", link)
		}
	}

	if symbolic {
		// the target is stored as given, relative targets resolve relative to the link
		err = os.Symlink(args[0], link)
	} else {
		err = os.Link(env.resolve(args[0]), link)
	}
	if err != nil {
		return eris.Wrapf(err, "Failed to link %s to %s", link, args[0])
	}

	return nil
}

func cp(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	recursive, err := flags.GetBool("recursive")
	if err != nil {
		return err
	}
	alias, err := flags.GetBool("recursive-alias")
	if err != nil {
		return err
	}
	recursive = recursive || alias

	if len(args) < 2 {
		return eris.New("Not enough parameters")
	}

	dest := env.resolve(args[len(args)-1])
	for _, src := range args[:len(args)-1] {
		contentsOnly := strings.HasSuffix(filepath.ToSlash(src), "/.")
		srcPath := env.resolve(src)

		info, err := os.Stat(srcPath)
		if err != nil {
			return eris.Wrapf(err, "Could not stat %s", srcPath)
		}

		target := dest
		if !contentsOnly {
			if destInfo, err := os.Stat(dest); err == nil && destInfo.IsDir() {
				target = filepath.Join(dest, filepath.Base(srcPath))
			}
		}

		if info.IsDir() {
			if !recursive {
				return eris.Errorf("%s is a directory but -R wasn't passed", srcPath)
			}

			err = CopyTree(srcPath, target)
		} else {
			err = CopyFile(srcPath, target, info.Mode())
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func mktemp(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	isDir, err := flags.GetBool("directory")
	if err != nil {
		return err
	}

	parent, err := flags.GetString("tmpdir")
	if err != nil {
		return err
	}

	if parent == "" {
		parent = env.getenv("TMPDIR")
	}
	if parent == "" {
		parent = os.TempDir()
	}
	parent = env.resolve(parent)

	pattern := "rbuild." + nanoid.New()[:8] + ".*"
	if len(args) > 0 {
		pattern = strings.ReplaceAll(args[0], "XXXXXX", "*")
	}

	var created string
	if isDir {
		created, err = os.MkdirTemp(parent, pattern)
	} else {
		var f *os.File
		f, err = os.CreateTemp(parent, pattern)
		if err == nil {
			created = f.Name()
			err = f.Close()
		}
	}
	if err != nil {
		return eris.Wrapf(err, "Failed to create temporary item in %s", parent)
	}

	_, err = io.WriteString(env.Stdout, created+"\n")
	return err
}

func uname(ctx context.Context, env Env, flags *pflag.FlagSet, args []string) error {
	_, err := io.WriteString(env.Stdout, KernelName()+"\n")
	return err
}

// KernelName returns the name uname -s would print on this OS
func KernelName() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows_NT"
	case "freebsd":
		return "FreeBSD"
	}
	return strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]
}

// expandArgs resolves arguments relative to env.Dir. Empty arguments are dropped since resolving them
// would point at the working directory itself. On Windows, glob patterns are expanded here because
// there's no shell doing it for us.
func expandArgs(env Env, args []string, force bool) ([]string, error) {
	items := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "" {
			continue
		}

		if runtime.GOOS == "windows" && strings.ContainsAny(arg, "*?[") {
			matches, err := filepath.Glob(env.resolve(arg))
			if err != nil {
				return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
			}

			if matches == nil {
				if force {
					continue
				}
				return nil, eris.Errorf("Pattern %s produced no matches", arg)
			}

			items = append(items, matches...)
		} else {
			items = append(items, env.resolve(arg))
		}
	}

	return items, nil
}
