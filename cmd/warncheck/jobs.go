package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/models"
	"github.com/vipul43/warncheck/internal/queue"
)

// withQueue opens the app and hands a queue to fn. Events are published when NATS is configured.
func withQueue(fn func(ctx context.Context, q *queue.Queue) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	publisher, err := events.New(a.cfg.NATSURL, a.cfg.NATSSubject, a.logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	return fn(context.Background(), a.queue(publisher))
}

func newSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit [username...]",
		Short: "Queue a job checking the given usernames",
		Example: "  warncheck submit alice @bob\n" +
			"  warncheck submit -f targets.txt\n" +
			"  cat targets.txt | warncheck submit -f -",
		RunE: func(cmd *cobra.Command, args []string) error {
			usernames := append([]string{}, args...)
			if file != "" {
				fromFile, err := readUsernames(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				usernames = append(usernames, fromFile...)
			}

			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				id, err := q.Submit(ctx, usernames)
				if queue.IsValidation(err) {
					return fmt.Errorf("submission rejected:\n%w", err)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read usernames from a file, one per line or comma separated (- for stdin)")
	return cmd
}

// readUsernames splits a file on newlines, commas and spaces; lines starting with # are skipped
func readUsernames(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usernames: %w", err)
	}
	return out, nil
}

func newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs with their queue positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				views, err := q.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), views)
				}
				return printJobs(cmd.OutOrStdout(), views)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printJobs(w io.Writer, views []queue.JobView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPOSITION\tPROGRESS\tREASON\tCREATED")
	for _, v := range views {
		position := "-"
		if v.Position > 0 {
			position = fmt.Sprint(v.Position)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			v.ID, v.Status, position, v.Processed, len(v.Usernames),
			deref(v.FailureReason), v.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job with every verdict recorded so far",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				detail, err := q.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), detail)
				}
				return printDetail(cmd.OutOrStdout(), detail)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDetail(w io.Writer, d *queue.JobDetail) error {
	fmt.Fprintf(w, "Job:       %s\n", d.ID)
	fmt.Fprintf(w, "Status:    %s\n", d.Status)
	if d.Position > 0 {
		fmt.Fprintf(w, "Position:  %d\n", d.Position)
	}
	if d.FailureReason != nil {
		fmt.Fprintf(w, "Reason:    %s\n", *d.FailureReason)
	}
	if d.LastError != nil {
		fmt.Fprintf(w, "Error:     %s\n", *d.LastError)
	}
	if d.AssignedAccount != nil {
		fmt.Fprintf(w, "Account:   %s\n", *d.AssignedAccount)
	}
	fmt.Fprintf(w, "Progress:  %d/%d\n", len(d.Verdicts), len(d.Usernames))
	fmt.Fprintf(w, "Summary:   clean=%d warned=%d unknown=%d error=%d\n\n",
		d.Summary[models.OutcomeClean], d.Summary[models.OutcomeWarned],
		d.Summary[models.OutcomeUnknown], d.Summary[models.OutcomeError])

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tUSERNAME\tOUTCOME\tDETAIL\tACCOUNT")
	for _, v := range d.Verdicts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Position+1, v.Username, v.Outcome, deref(v.Detail), deref(v.AccountID))
	}
	return tw.Flush()
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job, or stop a running one after its current username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				status, err := q.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
				return nil
			})
		},
	}
}

func newResubmitCmd() *cobra.Command {
	var retryErrors bool
	cmd := &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Queue a new job with the usernames a finished job left unchecked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(func(ctx context.Context, q *queue.Queue) error {
				id, err := q.Resubmit(ctx, args[0], retryErrors)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&retryErrors, "retry-errors", false, "also retry usernames whose check errored or did not load")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
