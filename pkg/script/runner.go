package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/jml/rules-r/pkg/posix"
)

// ExecFunc handles the execution of a single external command inside a script. Use interp.HandlerCtx
// to access the command's working directory, environment and standard streams.
type ExecFunc func(ctx context.Context, args []string) error

// ExitStatus is returned by Runner.Run if a script exited with a nonzero status
type ExitStatus struct {
	Script string
	Code   uint8
}

var _ error = (*ExitStatus)(nil)

func (e ExitStatus) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Script, e.Code)
}

// Runner executes scripts in-process
type Runner struct {
	// Dir is the initial working directory; the current one is used if empty
	Dir string
	// Env is added on top of the process environment
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Params are the script's positional parameters
	Params []string
	// Handlers override how specific commands are executed. Commands without a handler use the
	// built-in helpers from the posix package or are looked up in PATH.
	Handlers map[string]ExecFunc
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

func (r *Runner) execHandler(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}

	if handler, ok := r.Handlers[args[0]]; ok {
		return handler(ctx, args)
	}

	if posix.Has(args[0]) {
		// always use our cross-platform implementation for these operations to make sure
		// they behave consistently
		hc := interp.HandlerCtx(ctx)
		env := posix.Env{
			Dir:    hc.Dir,
			Stdout: hc.Stdout,
			Stderr: hc.Stderr,
			Getenv: func(name string) string {
				return hc.Env.Get(name).String()
			},
		}

		err := posix.Run(ctx, env, args)
		if err != nil {
			fmt.Fprintf(hc.Stderr, "%s: %s\n", args[0], err.Error())
			return interp.NewExitStatus(1)
		}
		return nil
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func (r *Runner) environ() expand.Environ {
	envVars := os.Environ()
	envVars = append(envVars, r.Env...)

	return expand.ListEnviron(envVars...)
}

// Run executes the script and returns an *ExitStatus if it exits with a nonzero status
func (r *Runner) Run(ctx context.Context, s *Script) error {
	// reject anything /bin/sh couldn't run before executing the bash flavoured tree
	if _, err := s.Parse(); err != nil {
		return err
	}

	file, err := s.parse(syntax.LangBash)
	if err != nil {
		return err
	}

	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := r.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	opts := []interp.RunnerOption{
		interp.Dir(r.Dir),
		interp.Env(r.environ()),
		interp.ExecHandler(r.execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
	}
	if len(r.Params) > 0 {
		opts = append(opts, interp.Params(append([]string{"--"}, r.Params...)...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	err = runner.Run(ctx, file)
	if err != nil {
		if status, ok := interp.IsExitStatus(err); ok {
			if status == 0 {
				return nil
			}
			return &ExitStatus{Script: s.Name, Code: status}
		}
		return eris.Wrapf(err, "failed to run %s", s.Name)
	}

	return nil
}

// StatusCode extracts the exit status from an error returned by Run, even if it has been wrapped since.
// ok is false for other errors.
func StatusCode(err error) (code uint8, ok bool) {
	var status *ExitStatus
	if !errors.As(err, &status) {
		return 0, false
	}
	return status.Code, true
}
