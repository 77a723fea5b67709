package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/cutout/internal/config"
	"github.com/andresmejia3/cutout/internal/types"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the segmentation models the worker can load",
	Run: func(cmd *cobra.Command, args []string) {
		printModels(os.Stdout, v.GetString(config.KeyModel))
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func printModels(out io.Writer, current string) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MODEL\tDESCRIPTION\t")
	fmt.Fprintln(w, "-----\t-----------\t")

	for _, m := range types.Models {
		marker := ""
		if m.ID == current {
			marker = "(selected)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Description, marker)
	}
	w.Flush()
}
