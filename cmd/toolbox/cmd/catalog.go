package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/everydev1618/toolbox/catalog"
	"github.com/everydev1618/toolbox/config"
)

var catalogJSON bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the tools toolbox knows how to launch",
	RunE:  runCatalog,
}

func init() {
	rootCmd.AddCommand(catalogCmd)

	catalogCmd.Flags().BoolVar(&catalogJSON, "json", false, "Print entries as JSON")
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cat, err := catalog.New(cfg.Tools...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if catalogJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cat.Entries())
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROLE\tIMAGE\tMISSING ENV\tDESCRIPTION")
	for _, e := range cat.Entries() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Name, e.Role(), e.Image, strings.Join(e.MissingEnv(nil), ","), e.Description)
	}
	return w.Flush()
}
