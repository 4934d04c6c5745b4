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
	"sort"
	"strconv"

	"github.com/blacktop/dscextract/internal/colors"
	"github.com/blacktop/dscextract/pkg/dsc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringP("filter", "f", "", "Only list images whose path contains this substring")
	listCmd.Flags().StringP("addr", "a", "", "Show the image containing this unslid address")
	listCmd.Flags().BoolP("sort", "s", false, "Sort images by load address instead of cache order")
	viper.BindPFlag("list.filter", listCmd.Flags().Lookup("filter"))
	viper.BindPFlag("list.addr", listCmd.Flags().Lookup("addr"))
	viper.BindPFlag("list.sort", listCmd.Flags().Lookup("sort"))
}

var colorImage = colors.BoldHiMagenta().SprintFunc()

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list <DSC>",
	Short: "List the images baked into the cache",
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

		f, err := dsc.Open(dscPath)
		if err != nil {
			return err
		}
		defer f.Close()

		if addrStr := viper.GetString("list.addr"); addrStr != "" {
			addr, err := strconv.ParseUint(addrStr, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", addrStr, err)
			}
			image, err := f.ImageAt(addr)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", colorAddr("%#011x", image.Base()), colorImage(image.Name),
				colorAddr("(+%#x)", addr-image.Base()))
			return nil
		}

		images := f.FilterImages(viper.GetString("list.filter"))
		if viper.GetBool("list.sort") {
			sort.Slice(images, func(i, j int) bool { return images[i].Base() < images[j].Base() })
		}
		for _, image := range images {
			fmt.Printf("%s %s\n", colorAddr("%#011x", image.Base()), image.Name)
		}
		fmt.Printf("\n%d images\n", len(images))

		return nil
	},
}
