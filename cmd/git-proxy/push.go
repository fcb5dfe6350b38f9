package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/repo"
)

func pushCmd() *cobra.Command {
	push := &cobra.Command{
		Use:   "push",
		Short: "Review pushes",
		Long:  "Pushes wait in 'pending' until a user with authorise permission on the repository approves or rejects them. An authorised push goes through when the developer pushes the same commit again.",
	}
	push.AddCommand(pushListCmd())
	push.AddCommand(pushShowCmd())
	push.AddCommand(pushReviewCmd("authorise", "Authorise a pending push"))
	push.AddCommand(pushReviewCmd("reject", "Reject a pending push"))
	push.AddCommand(pushCancelCmd())
	return push
}

func pushListCmd() *cobra.Command {
	var status, repoName, user string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := repo.QueryForStatus(status)
				if err != nil {
					return err
				}
				q.Repo, q.User, q.Limit = repoName, user, limit
				items, err := e.ListPushes(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printPushTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "status filter (pending, allowed, blocked, error, authorised, rejected, canceled, or empty for all)")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository filter (owner/repo.git)")
	cmd.Flags().StringVar(&user, "user", "", "pusher filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func printPushTable(items []*domain.Action) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Repo", "Branch", "User", "From", "To"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.Status(), a.RepoName, a.Branch, a.User, shortSHA(a.CommitFrom), shortSHA(a.CommitTo)})
	}
	tw.Render()
}

func pushShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a push with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetPush(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("%s  %s  %s %s  (%s)\n", a.ID, a.Status(), a.RepoName, a.Branch, a.User)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Result", "Message"})
				for _, s := range a.Steps {
					result, msg := "ok", ""
					switch {
					case s.Error:
						result, msg = "error", s.ErrorMessage
					case s.Blocked:
						result, msg = "blocked", s.BlockedMsg
					}
					tw.AppendRow(table.Row{s.Name, result, msg})
				}
				tw.Render()
				if a.Attestation != nil {
					return printJSONOrTable(a.Attestation)
				}
				return nil
			})
		},
	}
	return cmd
}

func pushReviewCmd(verb, short string) *cobra.Command {
	var reason, details string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			review := engine.Review{Reviewer: viper.GetString("actor"), Reason: reason}
			if details != "" {
				if err := json.Unmarshal([]byte(details), &review.Details); err != nil {
					return fmt.Errorf("--attestation must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				apply := e.Authorise
				if verb == "reject" {
					apply = e.Reject
				}
				a, err := apply(ctx, args[0], review)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("push %s %s\n", a.ID, a.Status())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "review comment")
	cmd.Flags().StringVar(&details, "attestation", "", "attestation answers as a JSON object")
	return cmd
}

func pushCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Cancel(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				fmt.Printf("push %s %s\n", a.ID, a.Status())
				return nil
			})
		},
	}
	return cmd
}
