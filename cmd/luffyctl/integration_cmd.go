package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/tenant"
)

type integrationOpts struct {
	*rootOpts
	customer string
	set      []string
}

func newIntegration(parent *rootOpts) *integrationOpts {
	return &integrationOpts{rootOpts: parent}
}

func (opts *integrationOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations [<type>]",
		Short: "List a customer's integrations, or connect one.",
		Example: makeExample(
			"luffyctl integrations --customer acme",
			"luffyctl integrations slack --customer acme --set webhook_url=https://hooks.slack.com/services/T0/B0/x",
			"luffyctl integrations sentry --set dsn=https://key@sentry.io/1",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.customer, "customer", "c", "", "customer the integration belongs to; without it, connect a global integration")
	cmd.Flags().StringSliceVar(&opts.set, "set", nil, "config values, as key=value; values that parse as JSON are sent as such")
	return cmd
}

func (opts *integrationOpts) RunE(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	switch len(args) {
	case 0:
		if opts.customer == "" {
			return newUsageError("--customer is required to list integrations")
		}
		res, err := opts.API.Integrations(ctx, tenant.ID(opts.customer))
		if err != nil {
			return err
		}
		w := newTabwriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "TYPE\tSCOPE\tCONFIG")
		for _, in := range res.Integrations {
			fmt.Fprintf(w, "%s\t%s\t%s\n", in.Type, scope(in), formatConfig(in.Config))
		}
		return w.Flush()
	case 1:
		config, err := parseSet(opts.set)
		if err != nil {
			return err
		}
		in := integration.Integration{Type: integration.Type(args[0]), Config: config}
		if opts.customer != "" {
			in.TenantID = integration.TenantScope(tenant.ID(opts.customer))
		}
		res, err := opts.API.UpsertIntegration(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Connected %s (%s): %s\n", res.Type, scope(res), formatConfig(res.Config))
		return nil
	default:
		return newUsageError("expected at most one integration type")
	}
}

func scope(in integration.Integration) string {
	if in.Global() {
		return "global"
	}
	return string(*in.TenantID)
}

func parseSet(kvs []string) (map[string]interface{}, error) {
	config := map[string]interface{}{}
	for _, kv := range kvs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, newUsageError(fmt.Sprintf("--set %q is not of the form key=value", kv))
		}
		var v interface{}
		if err := json.Unmarshal([]byte(parts[1]), &v); err != nil {
			v = parts[1]
		}
		config[parts[0]] = v
	}
	return config, nil
}

func formatConfig(config map[string]interface{}) string {
	var keys []string
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, config[k]))
	}
	return strings.Join(parts, " ")
}
