package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/taskdesk/internal/tasks"
)

func newCompleteCmd(user *string) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			userID, err := rt.resolveUser(*user)
			if err != nil {
				return err
			}
			if err := rt.engine.CompleteTask(commandContext(cmd), args[0], userID); err != nil {
				return errors.New(tasks.CompleteFailedMessage)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s)\n", tasks.CompletedMessage, args[0])
			return nil
		},
	}
}
