package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/cwbudde/curvefit/internal/fit"
	"github.com/spf13/cobra"
)

var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "List the built-in fit functions",
	RunE:  runFamilies,
}

func init() {
	rootCmd.AddCommand(familiesCmd)
}

func runFamilies(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(outWriter(cmd), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tALIAS\tNAME\tPARAMS\tFORMULA")
	for _, f := range fit.Families() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", f.Type, f.Alias, f.Name, f.NumParams, f.Equation)
	}
	return w.Flush()
}
