package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/botpilot/botpilot/internal/answers"
	"github.com/botpilot/botpilot/internal/bots"
)

func newTriggerCommand(a *app) *cobra.Command {
	answersFile := ""
	yes := false
	cmd := &cobra.Command{
		Use:   "trigger <bot>",
		Short: "Dispatch a remote run of a bot on GitHub Actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := bots.NewRegistry(a.cfg).Lookup(args[0])
			if err != nil {
				return err
			}
			path := answersFile
			if path == "" {
				path = bot.AnswersFile
			}
			replies, err := answers.Load(path)
			if err != nil && !(answersFile == "" && errors.Is(err, os.ErrNotExist)) {
				return err
			}
			return a.offerTrigger(cmd.Context(), bot, replies, yes)
		},
	}
	cmd.Flags().StringVar(&answersFile, "answers", "", "answer file to send instead of the bot's own")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
