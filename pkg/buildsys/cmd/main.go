// Package cmd implements the build command for the buildsys package
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jml/rules-r/pkg"
	"github.com/jml/rules-r/pkg/buildsys"
	"github.com/jml/rules-r/pkg/config"
	"github.com/jml/rules-r/pkg/script"
)

// ExitError carries the exit status of a failed script up to main
type ExitError struct {
	Code uint8
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Session bundles everything a command needs to work with the project the working directory belongs to
type Session struct {
	Root    string
	Config  *config.Config
	Ctx     context.Context
	Logger  *zerolog.Logger
	Targets buildsys.TargetList
}

// NewLogger creates the logger configured in cfg
func NewLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter())
	}
	return logger.Level(cfg.LogLevel())
}

// Open looks for the project root, loads its configuration and evaluates its BUILD.star file
func Open(options map[string]string) (*Session, error) {
	root, err := pkg.GetProjectRoot()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	runID, err := nanoid.Generate(nanoid.DefaultAlphabet, 8)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to generate run id")
	}

	logger := NewLogger(cfg).With().Str("run", runID).Logger()
	ctx := buildsys.WithLogger(context.Background(), &logger)

	targets, _, err := buildsys.RunScript(ctx, filepath.Join(root, buildsys.FileName), root, options)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to parse targets")
	}

	return &Session{
		Root:    root,
		Config:  cfg,
		Ctx:     ctx,
		Logger:  &logger,
		Targets: targets,
	}, nil
}

// RunOptions returns the runner options derived from the session's configuration
func (s *Session) RunOptions() buildsys.RunOptions {
	return buildsys.RunOptions{
		Toolchain:   s.Config.Toolchain(),
		OutputDir:   s.Config.OutputDir,
		InstallArgs: s.Config.InstallArgs(),
		BuildArgs:   s.Config.BuildArgs(),
		CheckArgs:   s.Config.CheckArgs(),
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// Plan plans the given targets with opts
func (s *Session) Plan(opts buildsys.RunOptions, names ...string) ([]*buildsys.Plan, error) {
	return buildsys.PlanTargets(s.Ctx, s.Root, s.Targets, names, opts)
}

// SplitArgs separates target names from option=value pairs
func SplitArgs(args []string) ([]string, map[string]string) {
	names := make([]string, 0)
	options := make(map[string]string)
	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			names = append(names, part)
		}
	}
	return names, options
}

func newProgressBar(count int) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(int64(count), progressbar.OptionSetVisibility(false))
	}
	return progressbar.NewOptions64(int64(count), progressbar.OptionSetDescription("targets"),
		progressbar.OptionSetWriter(os.Stderr), progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}))
}

func printTargets(targets buildsys.TargetList) {
	fmt.Println("Available targets:")
	names := targets.Names()
	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		target := targets[name]
		fmt.Printf(lineFmt, name+":", string(target.Kind)+" declared at "+target.Pos)
	}
}

var RootCmd = &cobra.Command{
	Use:   "build [targets...] [option=value...]",
	Short: "Build, test and package R packages",
	Long: `This command parses the BUILD.star file in the project root and builds the given targets
together with all of their dependencies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targetArgs, options := SplitArgs(args)
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		session, err := Open(options)
		if err != nil {
			return err
		}

		if len(targetArgs) == 0 {
			printTargets(session.Targets)
			return nil
		}

		opts := session.RunOptions()
		opts.DryRun = dryRun
		opts.Force = force

		plans, err := session.Plan(opts, targetArgs...)
		if err != nil {
			return err
		}

		bar := newProgressBar(len(plans))
		opts.OnTarget = func(target *buildsys.Target) {
			bar.Describe(target.Name)
			_ = bar.Add(1)
		}

		published, err := buildsys.RunPlans(session.Ctx, session.Root, plans, opts)
		_ = bar.Finish()

		if len(published) > 0 {
			cacheErr := buildsys.UpdateCache(session.Config.CachePath(session.Root), published)
			if cacheErr != nil {
				session.Logger.Warn().Err(cacheErr).Msg("Failed to update the descriptor cache")
			}
		}

		if err != nil {
			session.Logger.Error().Err(err).Msg("Build failed")
			if code, ok := script.StatusCode(err); ok {
				return &ExitError{Code: code, Err: err}
			}
			return &ExitError{Code: 1, Err: err}
		}

		return nil
	},
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the generated scripts, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; run all targets even if they are up to date")
}
