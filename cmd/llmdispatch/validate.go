package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/llmdispatch/config"
	"github.com/vinayprograms/llmdispatch/provider"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and list the providers it defines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, creds, err := opts.load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n\n", opts.configPath)

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Provider", "Kind", "Model", "RPM", "Concurrency", "Fallback", "Key"})
			for _, name := range cfg.ProviderNames() {
				p := cfg.Providers[name]
				fallbackTo := strings.Join(p.FallbackChain, ",")
				if p.Kind == config.KindFallback {
					fallbackTo = "[" + strings.Join(p.Members, ",") + "]"
				}
				key := "-"
				if p.Kind != config.KindFallback && provider.RequiresKey(p.Kind) {
					key = "missing"
					if cfg.ResolveAPIKey(name, creds) != "" {
						key = "set"
					}
				}
				t.AppendRow(table.Row{name, p.Kind, orDash(p.Model), p.RequestsPerMinute, p.MaxConcurrent, orDash(fallbackTo), key})
			}
			_, err = fmt.Fprintln(out, t.Render())
			return err
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
