package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
)

var targetsFile string

var targetsCmd = &cobra.Command{
	Use:   "targets [NAME...]",
	Short: "Print built-in target presets, or validate a target file",
	Long: `Print target definitions as YAML.

Without --file the built-in presets are printed; with --file the file is
parsed and validated first. NAME arguments restrict the output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var targets []classifier.TargetSpec
		if targetsFile != "" {
			data, err := os.ReadFile(targetsFile)
			if err != nil {
				return errs.Config("file", "%v", err)
			}
			targets, err = classifier.ParseTargets(data)
			if err != nil {
				return err
			}
		} else {
			for _, name := range classifier.PresetNames() {
				t, _ := classifier.Preset(name)
				targets = append(targets, t)
			}
		}

		if len(args) > 0 {
			want := make(map[string]bool, len(args))
			for _, a := range args {
				want[a] = true
			}
			kept := targets[:0]
			for _, t := range targets {
				if want[t.Name] {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				return errs.Config("name", "no target named %v", args)
			}
			targets = kept
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{"targets": targets})
	},
}

func init() {
	targetsCmd.Flags().StringVarP(&targetsFile, "file", "f", "", "YAML target file to validate")
}
