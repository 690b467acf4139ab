package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/storage"
)

var collectionRunFlags jobFlags

func init() {
	collectionCmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"col"},
		Short:   "Manage request collections",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all collections",
		Run:   runCollectionList,
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new collection",
		Args:  cobra.ExactArgs(1),
		Run:   runCollectionCreate,
	}

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show requests in a collection",
		Args:  cobra.ExactArgs(1),
		Run:   runCollectionShow,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a collection and its requests",
		Args:  cobra.ExactArgs(1),
		Run:   runCollectionDelete,
	}

	addCmd := &cobra.Command{
		Use:   "add <collection> <name> <method> <url>",
		Short: "Add a request to a collection",
		Long: `Add a request to a collection. The collection is created if needed.

Example:
  apicli collection add my-api "Get Users" GET '{{base}}/users' --test status.tengo`,
		Args: cobra.ExactArgs(4),
		Run:  runCollectionAdd,
	}
	addCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Add header")
	addCmd.Flags().StringVarP(&data, "data", "d", "", "Raw request body (string or @filename)")
	addCmd.Flags().StringArrayVarP(&formFields, "form", "F", []string{}, "Form field key=value")
	addCmd.Flags().BoolVar(&urlEncoded, "urlencoded", false, "Send --form fields as application/x-www-form-urlencoded")
	addCmd.Flags().StringArrayVar(&testFiles, "test", []string{}, "Test script file (can be used multiple times)")
	addCmd.Flags().StringVar(&preRequestFile, "pre-request", "", "Pre-request script file")

	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a collection as a scan job",
		Long: `Create a scan job for the collection and run it, following progress.

Example:
  apicli collection run my-api --params envs --pool egress -n 10`,
		Args: cobra.ExactArgs(1),
		Run:  runCollectionRun,
	}
	addJobFlags(runCmd, &collectionRunFlags)
	addMetricsFlag(runCmd, &collectionRunFlags)

	collectionCmd.AddCommand(listCmd, createCmd, showCmd, deleteCmd, addCmd, runCmd)
	rootCmd.AddCommand(collectionCmd)
}

func runCollectionList(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	collections, err := a.store.ListCollections(context.Background())
	if err != nil {
		a.fail("Failed to load collections", err)
	}

	format.PrintCollectionList(collections)
}

func runCollectionCreate(cmd *cobra.Command, args []string) {
	name := args[0]
	a := mustApp(cmd)
	defer a.Close()

	if _, err := a.store.CreateCollection(context.Background(), name); err != nil {
		a.fail("Failed to create collection", err)
	}

	format.PrintSuccess(fmt.Sprintf("Collection '%s' created", name))
}

func runCollectionShow(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	id, err := a.store.Resolve(ctx, storage.KindCollection, args[0])
	if err != nil {
		a.fail("Failed to load collection", err)
	}
	col, err := a.store.GetCollection(ctx, id)
	if err != nil {
		a.fail("Failed to load collection", err)
	}

	format.PrintCollectionRequests(col)
}

func runCollectionDelete(cmd *cobra.Command, args []string) {
	name := args[0]
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	id, err := a.store.Resolve(ctx, storage.KindCollection, name)
	if err != nil {
		a.fail("Failed to delete collection", err)
	}
	if err := a.store.DeleteCollection(ctx, id); err != nil {
		a.fail("Failed to delete collection", err)
	}

	format.PrintSuccess(fmt.Sprintf("Collection '%s' deleted", name))
}

func runCollectionAdd(cmd *cobra.Command, args []string) {
	collectionName, name, method, url := args[0], args[1], args[2], args[3]
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	requestName = name
	req, err := buildRequest(strings.ToUpper(method), url)
	if err != nil {
		a.fail("Invalid request", err)
	}

	col, err := a.store.CreateCollection(ctx, collectionName)
	if err != nil {
		a.fail("Failed to add request", err)
	}

	warnIfSensitiveBody(req.Body.Raw)
	req.CollectionID = col.ID
	req.Headers = filterSensitiveHeaders(req.Headers)
	if err := a.store.SaveRequest(ctx, &req); err != nil {
		a.fail("Failed to add request", err)
	}

	format.PrintSuccess(fmt.Sprintf("Request '%s' added to collection '%s' (%s)", name, col.Name, req.ID))
}

func runCollectionRun(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	j, err := createJob(context.Background(), a, args[0], collectionRunFlags)
	if err != nil {
		a.fail("Failed to create job", err)
	}
	format.PrintSuccess(fmt.Sprintf("Job '%s' created: %s", j.Name, j.ID))

	followJob(a, j.ID, collectionRunFlags.metricsAddr)
}
