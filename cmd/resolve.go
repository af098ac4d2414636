package cmd

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jml/rules-r/pkg"
	"github.com/jml/rules-r/pkg/buildsys"
	"github.com/jml/rules-r/pkg/closure"
	"github.com/jml/rules-r/pkg/config"
	"github.com/jml/rules-r/pkg/rpkg"
)

type resolvedPkg struct {
	Name            string   `yaml:"name"`
	Version         string   `yaml:"version,omitempty"`
	InstallLocation string   `yaml:"install_location"`
	Archive         string   `yaml:"archive,omitempty"`
	Files           []string `yaml:"files,omitempty"`
	Shadowed        bool     `yaml:"shadowed,omitempty"`
}

type resolvedClosure struct {
	Target     string        `yaml:"target"`
	SearchPath []string      `yaml:"search_path"`
	Packages   []resolvedPkg `yaml:"packages"`
}

func describeClosure(target string, res *closure.Result, withFiles bool) resolvedClosure {
	shadowed := make(map[*rpkg.Descriptor]bool, len(res.Shadowed))
	for _, desc := range res.Shadowed {
		shadowed[desc] = true
	}

	result := resolvedClosure{
		Target:     target,
		SearchPath: res.SearchPath,
		Packages:   make([]resolvedPkg, len(res.Deps)),
	}
	for idx, desc := range res.Deps {
		entry := resolvedPkg{
			Name:            desc.Name(),
			Version:         desc.Version(),
			InstallLocation: desc.InstallLocation(),
			Archive:         desc.Archive(),
			Shadowed:        shadowed[desc],
		}
		if withFiles {
			entry.Files = desc.ProducedFiles()
		}
		result.Packages[idx] = entry
	}
	return result
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <target>",
	Short: "Prints the dependency closure of a built package",
	Long: `Reads the descriptor of the given r_pkg target from the descriptor cache and prints its
transitive dependency closure as YAML. The target has to be built first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := cmd.Flags().GetString("prefix")
		if err != nil {
			return err
		}

		withFiles, err := cmd.Flags().GetBool("files")
		if err != nil {
			return err
		}

		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		cfg, err := config.Load(root)
		if err != nil {
			return err
		}

		descriptors, err := buildsys.ReadCache(cfg.CachePath(root))
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return eris.New("No package has been built yet")
			}
			return err
		}

		desc, ok := descriptors[args[0]]
		if !ok {
			return eris.Errorf("Package %s hasn't been built yet", args[0])
		}

		res, err := closure.Resolve([]*rpkg.Descriptor{desc}, prefix)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		err = enc.Encode(describeClosure(args[0], res, withFiles))
		if err != nil {
			return eris.Wrap(err, "Failed to encode closure")
		}
		return enc.Close()
	},
}

func init() {
	resolveCmd.Flags().StringP("prefix", "p", "", "prefix prepended to every install location")
	resolveCmd.Flags().Bool("files", false, "include the files produced by each package")

	rootCmd.AddCommand(resolveCmd)
}
