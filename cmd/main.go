package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	buildcmd "github.com/jml/rules-r/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "rbuild",
	Short: "Build system for R packages",
	Long: `This command builds, tests and packages the R packages declared in a BUILD.star file.
It also bundles the cross-platform helpers the generated scripts rely on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(buildcmd.RootCmd)
}

func Execute() {
	err := rootCmd.Execute()

	var exitErr *buildcmd.ExitError
	if errors.As(err, &exitErr) {
		// already logged by the build command
		os.Exit(int(exitErr.Code))
	}
	cobra.CheckErr(err)
}
