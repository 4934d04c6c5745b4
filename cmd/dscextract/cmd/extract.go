/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
	"github.com/blacktop/dscextract/pkg/dsc"
	"github.com/blacktop/dscextract/pkg/extract"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringP("output", "o", "", "Directory to extract the dylib into (default: CWD)")
	extractCmd.Flags().Bool("force", false, "Overwrite an existing output file")
	extractCmd.MarkFlagDirname("output")
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
	viper.BindPFlag("extract.force", extractCmd.Flags().Lookup("force"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <DSC> <DYLIB>",
	Short: "Reconstruct one dylib from the cache",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 1 {
			return getImages(args[0]), cobra.ShellCompDirectiveNoFileComp
		}
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dscPath, err := resolveDSCPath(args[0])
		if err != nil {
			return err
		}

		output := viper.GetString("extract.output")
		if output == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current working directory: %w", err)
			}
			output = cwd
		} else {
			output, _ = filepath.Abs(filepath.Clean(output))
		}

		imageName, err := pickImage(dscPath, args[1])
		if err != nil {
			return err
		}

		report, err := extract.Extract(dscPath, imageName, extract.Options{
			Output: output,
			Force:  viper.GetBool("extract.force"),
		})
		if err != nil {
			return err
		}

		if n := report.WarningCount(); n > 0 {
			log.Warnf("extracted %s with %d warnings", report.Output, n)
		} else {
			log.Infof("extracted %s", report.Output)
		}
		return nil
	},
}

// pickImage resolves the user's image argument: exact or basename matches
// pass through, an ambiguous substring gets an interactive picker.
func pickImage(dscPath, name string) (string, error) {
	f, err := dsc.Open(dscPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if image, err := f.Image(name); err == nil {
		return image.Name, nil
	}

	matches := f.FilterImages(name)
	switch len(matches) {
	case 0:
		return "", errors.Wrap(dsc.ErrImageNotFound, name)
	case 1:
		return matches[0].Name, nil
	}

	names := make([]string, len(matches))
	for i, image := range matches {
		names[i] = image.Name
	}
	var choice string
	prompt := &survey.Select{
		Message:  fmt.Sprintf("%d images match %q:", len(names), name),
		Options:  names,
		PageSize: 15,
	}
	if err := survey.AskOne(prompt, &choice); err != nil {
		if err == terminal.InterruptErr {
			log.Warn("exiting...")
			os.Exit(1)
		}
		return "", err
	}
	return choice, nil
}
