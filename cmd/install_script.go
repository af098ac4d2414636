package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/jml/rules-r/pkg"
	buildcmd "github.com/jml/rules-r/pkg/buildsys/cmd"
)

var installScriptCmd = &cobra.Command{
	Use:   "install-script <library> [option=value...]",
	Short: "Prints the install script of a r_library target",
	Long: `Plans the given r_library target without building anything and prints its install script.
Use --output to write the script to a file instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}

		name := args[0]
		_, options := buildcmd.SplitArgs(args[1:])
		session, err := buildcmd.Open(options)
		if err != nil {
			return err
		}

		plans, err := session.Plan(session.RunOptions(), name)
		if err != nil {
			return err
		}

		library := plans[len(plans)-1].Library
		if library == nil {
			return eris.Errorf("%s is a %s, not a r_library", name, session.Targets[name].Kind)
		}

		if output == "" {
			content, err := library.InstallScript.Render()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), content)
			return nil
		}

		err = os.MkdirAll(filepath.Dir(output), 0770)
		if err != nil {
			return eris.Wrapf(err, "Failed to create directory for %s", output)
		}

		err = library.InstallScript.WriteFile(output)
		if err != nil {
			return err
		}

		pkg.PrintTask("Wrote " + output)
		return nil
	},
}

func init() {
	installScriptCmd.Flags().StringP("output", "o", "", "write the script to this file")

	rootCmd.AddCommand(installScriptCmd)
}
