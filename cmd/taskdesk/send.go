package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/taskdesk/internal/apperr"
	"github.com/ashureev/taskdesk/internal/domain"
)

func newSendCmd(user *string) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message to a task or the current draft",
		Long: `Send a message to the conversation of --task, or to the draft conversation.
A draft that already has a backend session is continued.`,
		Args: cobra.MinimumNArgs(1),
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
			ctx := commandContext(cmd)
			if err := rt.engine.Start(ctx, userID); err != nil {
				rt.logger.Warn("Engine started with errors", "error", err)
			}

			message := strings.Join(args, " ")
			res, err := rt.engine.SendToTask(ctx, taskID, userID, message)
			if apperr.IsSkip(err) {
				return errors.New("nothing to send")
			}
			if err != nil {
				return errors.New(apperr.UserMessage(err))
			}

			out := cmd.OutOrStdout()
			if res.Promoted {
				fmt.Fprintf(out, "Created task %s\n", res.Scope.TaskID)
			}
			if reply := lastAssistant(res.State.Messages); reply != "" {
				fmt.Fprintln(out, reply)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id to continue")
	return cmd
}

func lastAssistant(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Text()
		}
	}
	return ""
}
