package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ashureev/taskdesk/internal/domain"
)

func newTasksCmd(user *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List tasks grouped by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			userID, err := rt.resolveUser(*user)
			if err != nil {
				return err
			}
			if _, err := rt.engine.RefreshTasks(commandContext(cmd), userID); err != nil {
				return fmt.Errorf("%s: %w", rt.engine.Tasks.Err(), err)
			}
			printTasks(cmd.OutOrStdout(), rt.engine.Tasks.Grouped())
			return nil
		},
	}
}

func printTasks(w io.Writer, groups map[domain.TaskStatus][]domain.Task) {
	total := 0
	for _, status := range domain.Statuses {
		list := groups[status]
		total += len(list)
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s (%d)\n", status.Label(), len(list))
		for _, t := range list {
			fmt.Fprintf(w, "  [%s] %s\n", t.ID, t.Title)
		}
	}
	if total == 0 {
		fmt.Fprintln(w, "No tasks found.")
	}
}
