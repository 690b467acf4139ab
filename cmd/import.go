package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/storage"
)

func init() {
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import collections, parameter sets and proxies from a workspace file",
		Long: `Import a workspace file (YAML, or JSON when the name ends in .json).

Importing is idempotent: collections, parameter sets and pools are matched
by name and proxies by address, so the same file can be imported again
after editing it.`,
		Args: cobra.ExactArgs(1),
		Run:  runImport,
	}

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export everything to a workspace file (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		Run:   runExport,
	}
	exportCmd.Flags().Bool("json", false, "Write JSON instead of YAML")

	rootCmd.AddCommand(importCmd, exportCmd)
}

func runImport(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	ws, err := storage.LoadWorkspace(args[0])
	if err != nil {
		a.fail("Failed to read workspace", err)
	}
	sum, err := a.store.ImportWorkspace(context.Background(), ws)
	if err != nil {
		a.fail("Failed to import workspace", err)
	}

	format.PrintSuccess(fmt.Sprintf("Imported %d collections (%d requests), %d parameter sets, %d proxies, %d proxy pools",
		sum.Collections, sum.Requests, sum.ParameterSets, sum.Proxies, sum.ProxyPools))
}

func runExport(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	asJSON, _ := cmd.Flags().GetBool("json")
	ws, err := a.store.ExportWorkspace(context.Background())
	if err != nil {
		a.fail("Failed to export workspace", err)
	}

	var w io.Writer = os.Stdout
	if len(args) == 1 {
		if strings.EqualFold(filepath.Ext(args[0]), ".json") {
			asJSON = true
		}
		// exports carry proxy credentials
		f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			a.fail("Failed to create file", err)
		}
		defer f.Close()
		w = f
	}

	if err := storage.WriteWorkspace(w, ws, asJSON); err != nil {
		a.fail("Failed to write workspace", err)
	}
	if len(args) == 1 {
		format.PrintSuccess(fmt.Sprintf("Exported to %s", args[0]))
	}
}
