package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vedsharma/apicli/internal/format"
	"github.com/vedsharma/apicli/internal/model"
)

func init() {
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage proxies and proxy pools",
		Long: `Manage proxies and proxy pools.

Pools are defined in a workspace file (see "apicli import"); these
commands list them and add single proxies.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List proxies with their health",
		Run:   runProxyList,
	}

	addCmd := &cobra.Command{
		Use:   "add <host:port>",
		Short: "Add a proxy",
		Long: `Add a proxy.

Example:
  apicli proxy add 10.0.0.5:1080 --protocol socks5 --user bob --password s3cret`,
		Args: cobra.ExactArgs(1),
		Run:  runProxyAdd,
	}
	addCmd.Flags().String("protocol", "http", "Protocol: http, https, socks4, socks5")
	addCmd.Flags().String("user", "", "Proxy username")
	addCmd.Flags().String("password", "", "Proxy password")
	addCmd.Flags().Bool("inactive", false, "Add the proxy disabled")

	poolsCmd := &cobra.Command{
		Use:   "pools",
		Short: "List proxy pools",
		Run:   runProxyPools,
	}

	paramsCmd := &cobra.Command{
		Use:   "params",
		Short: "List parameter sets",
		Run:   runParamsList,
	}

	proxyCmd.AddCommand(listCmd, addCmd, poolsCmd)
	rootCmd.AddCommand(proxyCmd, paramsCmd)
}

func runProxyList(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	proxies, err := a.store.ListProxies(context.Background())
	if err != nil {
		a.fail("Failed to list proxies", err)
	}
	format.PrintProxyList(proxies)
}

func runProxyAdd(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		a.fail("Invalid proxy address", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		a.fail("Invalid proxy port", err)
	}

	protocol, _ := cmd.Flags().GetString("protocol")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	inactive, _ := cmd.Flags().GetBool("inactive")

	p := &model.Proxy{
		Host:     host,
		Port:     port,
		Protocol: model.ProxyProtocol(protocol),
		Username: user,
		Password: password,
		IsActive: !inactive,
	}
	if err := a.store.SaveProxy(context.Background(), p); err != nil {
		a.fail("Failed to add proxy", err)
	}
	format.PrintSuccess(fmt.Sprintf("Proxy %s added: %s", p.Address(), p.ID))
}

func runProxyPools(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	pools, err := a.store.ListProxyPools(context.Background())
	if err != nil {
		a.fail("Failed to list proxy pools", err)
	}
	format.PrintProxyPools(pools)
}

func runParamsList(cmd *cobra.Command, args []string) {
	a := mustApp(cmd)
	defer a.Close()

	sets, err := a.store.ListParameterSets(context.Background())
	if err != nil {
		a.fail("Failed to list parameter sets", err)
	}
	format.PrintParameterSets(sets)
}
