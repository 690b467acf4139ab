package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/model"
)

func init() {
	resultsCmd := &cobra.Command{
		Use:   "results <job-id>",
		Short: "View the results of a scan job",
		Args:  cobra.ExactArgs(1),
		Run:   runResultsList,
	}

	resultsCmd.Flags().IntP("limit", "n", 20, "Number of results to show (0 for all)")
	resultsCmd.Flags().Bool("failed", false, "Only show failed results")

	showCmd := &cobra.Command{
		Use:   "show <result-id> | <job-id> <index>",
		Short: "Show full details of a result",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runResultsShow,
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Show credential-bearing response headers")

	resultsCmd.AddCommand(showCmd)
	rootCmd.AddCommand(resultsCmd)
}

func runResultsList(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	job, err := a.store.GetScanJob(ctx, args[0])
	if err != nil {
		a.fail("Failed to load job", err)
	}
	results, err := a.store.ListScanResults(ctx, job.ID)
	if err != nil {
		a.fail("Failed to load results", err)
	}

	format.PrintResultSummary(results)

	if failedOnly, _ := cmd.Flags().GetBool("failed"); failedOnly {
		var failed []model.ScanResult
		for _, r := range results {
			if !r.Passed() {
				failed = append(failed, r)
			}
		}
		results = failed
	}

	limit, _ := cmd.Flags().GetInt("limit")
	fmt.Println()
	format.PrintResultList(results, limit)
}

func runResultsShow(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	if len(args) == 1 {
		r, err := a.store.GetScanResult(ctx, args[0])
		if err != nil {
			a.fail("Failed to load result", err)
		}
		format.PrintResultDetail(*r, showSecrets)
		return
	}

	results, err := a.store.ListScanResults(ctx, args[0])
	if err != nil {
		a.fail("Failed to load results", err)
	}

	// 1-based index, as printed by the list
	index, err := strconv.Atoi(args[1])
	if err != nil || index < 1 || index > len(results) {
		format.PrintError(fmt.Sprintf("Result not found: %s", args[1]))
		a.Close()
		os.Exit(1)
	}
	format.PrintResultDetail(results[index-1], showSecrets)
}
