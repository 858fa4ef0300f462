package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/botpilot/botpilot/internal/bots"
)

func newBotsCommand(a *app) *cobra.Command {
	all := false
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "List configured bots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := bots.NewRegistry(a.cfg)
			list := registry.Enabled()
			if all {
				list = registry.All()
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no bots configured")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tDIR\tCOMMAND\tENABLED")
			for _, bot := range list {
				command := "-"
				if exe, args, err := bots.RunCommand(bot); err == nil {
					command = strings.TrimSpace(exe + " " + strings.Join(args, " "))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", bot.Name, bot.Type, bot.Dir, command, bot.Enabled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled bots")
	return cmd
}
