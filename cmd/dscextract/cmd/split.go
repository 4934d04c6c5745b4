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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/dscextract/internal/colors"
	"github.com/blacktop/dscextract/pkg/extract"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().StringP("output", "o", "", "Directory to extract the dylibs into (default: CWD)")
	splitCmd.Flags().Bool("force", false, "Overwrite existing output files")
	splitCmd.Flags().StringP("filter", "f", "", "Only extract images whose path contains this substring")
	splitCmd.Flags().IntP("jobs", "j", 0, "Concurrent extractions (default: bounded by the open file limit)")
	splitCmd.MarkFlagDirname("output")
	viper.BindPFlag("split.output", splitCmd.Flags().Lookup("output"))
	viper.BindPFlag("split.force", splitCmd.Flags().Lookup("force"))
	viper.BindPFlag("split.filter", splitCmd.Flags().Lookup("filter"))
	viper.BindPFlag("split.jobs", splitCmd.Flags().Lookup("jobs"))
}

// splitCmd represents the split command
var splitCmd = &cobra.Command{
	Use:   "split <DSC>",
	Short: "Reconstruct every dylib in the cache",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return getDSCs(toComplete), cobra.ShellCompDirectiveDefault
	},
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dscPath, err := resolveDSCPath(args[0])
		if err != nil {
			return err
		}

		output := viper.GetString("split.output")
		if output == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get current working directory: %w", err)
			}
			output = cwd
		} else {
			output, _ = filepath.Abs(filepath.Clean(output))
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var report *extract.BatchReport
		var batchErr error
		done := make(chan struct{})
		go func() {
			report, batchErr = extract.ExtractAll(ctx, dscPath, extract.BatchOptions{
				Output:   output,
				Force:    viper.GetBool("split.force"),
				Filter:   viper.GetString("split.filter"),
				Jobs:     viper.GetInt("split.jobs"),
				Progress: !viper.GetBool("verbose"),
			})
			close(done)
		}()

		err = ctrlc.Default.Run(ctx, func() error {
			<-done
			return batchErr
		})
		if err != nil {
			if !errors.As(err, &ctrlc.ErrorCtrlC{}) {
				return err
			}
			// stop dispatching new images and let in-flight writers finish
			log.Warn("Interrupted: draining in-flight extractions...")
			cancel()
			<-done
			if batchErr != nil {
				return batchErr
			}
		}

		ok := len(report.Outcomes) - report.Failed()
		fmt.Printf("\n%s %s extracted, %s failed, %s warnings\n",
			colors.Bold().Sprint("Done:"),
			colors.Green().Sprintf("%d", ok),
			colors.Red().Sprintf("%d", report.Failed()),
			colors.Yellow().Sprintf("%d", report.Warnings()))
		for _, o := range report.Outcomes {
			if o.Err != nil {
				log.WithError(o.Err).Error(o.Image)
			}
		}
		if report.Failed() > 0 {
			return fmt.Errorf("%d of %d images failed to extract", report.Failed(), len(report.Outcomes))
		}

		return nil
	},
}
