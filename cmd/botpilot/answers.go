package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/botpilot/botpilot/internal/answers"
	"github.com/botpilot/botpilot/internal/bots"
)

func newAnswersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "answers",
		Short: "Manage per-bot answer files",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init <bot>",
			Short: "Write the default answer file for a bot if it has none",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				bot, err := bots.NewRegistry(a.cfg).Lookup(args[0])
				if err != nil {
					return err
				}
				written, err := answers.WriteDefault(bot.AnswersFile, bot.Name)
				if err != nil {
					return err
				}
				if written {
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", bot.AnswersFile)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", bot.AnswersFile)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <bot>",
			Short: "Print the answers that would be replayed, in order",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				bot, err := bots.NewRegistry(a.cfg).Lookup(args[0])
				if err != nil {
					return err
				}
				replies, err := answers.Load(bot.AnswersFile)
				if err != nil {
					return err
				}
				for i, reply := range replies {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i+1, reply)
				}
				return nil
			},
		},
	)
	return cmd
}
