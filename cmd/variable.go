package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/storage"
)

func init() {
	varCmd := &cobra.Command{
		Use:     "var",
		Aliases: []string{"variable"},
		Short:   "Manage collection variables",
		Long: `Manage the variables of a collection.

Variables fill {{name}} placeholders in a request's URL, headers and body
when the request runs, so base URLs and secrets are kept out of the
saved requests themselves.`,
	}

	listCmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List the variables of a collection",
		Args:  cobra.ExactArgs(1),
		Run:   runVarList,
	}

	setCmd := &cobra.Command{
		Use:   "set <collection> <name> <value>",
		Short: "Set a variable",
		Long: `Set a variable on a collection.

Example:
  apicli var set my-api base https://api.example.com
  apicli get '{{base}}/users' -c my-api`,
		Args: cobra.ExactArgs(3),
		Run:  runVarSet,
	}

	showCmd := &cobra.Command{
		Use:   "show <collection> <name>",
		Short: "Show a variable",
		Args:  cobra.ExactArgs(2),
		Run:   runVarShow,
	}

	unsetCmd := &cobra.Command{
		Use:   "unset <collection> <name>",
		Short: "Remove a variable",
		Args:  cobra.ExactArgs(2),
		Run:   runVarUnset,
	}

	varCmd.AddCommand(listCmd, setCmd, showCmd, unsetCmd)
	rootCmd.AddCommand(varCmd)
}

func runVarList(cmd *cobra.Command, args []string) {
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

	format.PrintVariables(col)
}

func runVarSet(cmd *cobra.Command, args []string) {
	collection, name, value := args[0], args[1], args[2]
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	col, err := a.store.CreateCollection(ctx, collection)
	if err != nil {
		a.fail("Failed to set variable", err)
	}
	if err := a.store.SetVariable(ctx, col.ID, name, value); err != nil {
		a.fail("Failed to set variable", err)
	}

	format.PrintSuccess(fmt.Sprintf("Variable '%s' set on '%s'", name, col.Name))
}

func runVarShow(cmd *cobra.Command, args []string) {
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

	value, ok := col.Variables[args[1]]
	if !ok {
		format.PrintError(fmt.Sprintf("Variable '%s' not found", args[1]))
		a.Close()
		os.Exit(1)
	}
	format.PrintVariable(args[1], value)
}

func runVarUnset(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()
	ctx := context.Background()

	id, err := a.store.Resolve(ctx, storage.KindCollection, args[0])
	if err != nil {
		a.fail("Failed to unset variable", err)
	}
	if err := a.store.UnsetVariable(ctx, id, args[1]); err != nil {
		a.fail("Failed to unset variable", err)
	}

	format.PrintSuccess(fmt.Sprintf("Variable '%s' removed", args[1]))
}
