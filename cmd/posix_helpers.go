package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jml/rules-r/pkg/posix"
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Cross-platform implementations of the POSIX utilities used by generated scripts",
}

func posixCommand(name string, impl posix.Command) *cobra.Command {
	return &cobra.Command{
		Use:                name,
		Short:              "Cross-platform implementation of the POSIX " + name + " command: " + impl.Short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return posix.Run(cmd.Context(), posix.LocalEnv(), append([]string{name}, args...))
		},
	}
}

func init() {
	for _, name := range posix.Names() {
		toolCmd.AddCommand(posixCommand(name, posix.Commands[name]))
	}

	rootCmd.AddCommand(toolCmd)
}
