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

	"github.com/blacktop/dscextract/internal/colors"
	"github.com/blacktop/dscextract/pkg/dsc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolP("mappings", "m", false, "Print cache mappings")
	viper.BindPFlag("info.mappings", infoCmd.Flags().Lookup("mappings"))
}

var colorTitle = colors.BoldHiBlue().SprintFunc()
var colorField = colors.Bold().SprintfFunc()
var colorAddr = colors.Faint().SprintfFunc()

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <DSC>",
	Short: "Print shared cache header and layout info",
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

		fmt.Println(colorTitle("Header"))
		fmt.Printf("  %s %s\n", colorField("%-16s", "Magic:"), f.CacheHeader.Magic)
		fmt.Printf("  %s %s\n", colorField("%-16s", "UUID:"), f.UUID)
		fmt.Printf("  %s %s\n", colorField("%-16s", "Platform:"), f.CacheHeader.Platform)
		fmt.Printf("  %s %s\n", colorField("%-16s", "OS Version:"), f.CacheHeader.OsVersion)
		fmt.Printf("  %s %s\n", colorField("%-16s", "Format:"), f.CacheHeader.FormatVersion)
		fmt.Printf("  %s %s\n", colorField("%-16s", "Type:"), f.CacheHeader.CacheType)
		fmt.Printf("  %s %s @ %s\n", colorField("%-16s", "Shared Region:"),
			humanize.Bytes(f.CacheHeader.SharedRegionSize),
			colorAddr("%#x", f.CacheHeader.SharedRegionStart))
		fmt.Printf("  %s %d\n", colorField("%-16s", "Images:"), len(f.Images))

		if f.CacheHeader.HasSubCaches() {
			fmt.Println()
			fmt.Println(colorTitle("SubCaches"))
			for _, uuid := range f.SubCacheIDs {
				fmt.Printf("  %s  %s\n", uuid, f.CachePath(uuid))
			}
		}
		if f.CacheHeader.HasSymbolsFile() {
			fmt.Println()
			fmt.Printf("%s %s\n", colorTitle("Symbols File:"), f.SymbolsUUID)
		}

		if f.CacheHeader.LocalSymbolsOffset != 0 {
			fmt.Println()
			fmt.Println(colorTitle("Local Symbols"))
			fmt.Printf("  %s %d\n", colorField("%-16s", "Entries:"), f.LocalSymInfo.EntriesCount)
			fmt.Printf("  %s %s\n", colorField("%-16s", "Nlists:"), humanize.Comma(int64(f.LocalSymInfo.NlistCount)))
			fmt.Printf("  %s %s\n", colorField("%-16s", "String Pool:"), humanize.Bytes(uint64(f.LocalSymInfo.StringsSize)))
		}

		if viper.GetBool("info.mappings") {
			fmt.Println()
			fmt.Println(colorTitle("Mappings"))
			for _, m := range f.AllMappings() {
				fmt.Printf("  %-14s %8s  %s -> %s  %s\n",
					m.Name,
					humanize.Bytes(m.Size),
					colorAddr("%#011x", m.Address),
					colorAddr("%#011x", m.Address+m.Size),
					m.Flags)
			}
		}

		return nil
	},
}
