package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open and complete runs",
	}
	cmd.AddCommand(newRunStartCmd(client))
	cmd.AddCommand(newRunCompleteCmd(client))
	return cmd
}

func newRunStartCmd(client *Client) *cobra.Command {
	var (
		job       string
		startedAt string
	)

	cmd := &cobra.Command{
		Use:   "start [run-id]",
		Short: "Open a run; the server generates an id when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, name, err := parseJob(job)
			if err != nil {
				return err
			}
			body := map[string]any{"job": map[string]string{"namespace": namespace, "name": name}}
			if len(args) == 1 {
				body["run_id"] = args[0]
			}
			if startedAt != "" {
				ts, err := time.Parse(time.RFC3339, startedAt)
				if err != nil {
					return fmt.Errorf("--started-at must be RFC 3339: %w", err)
				}
				body["started_at"] = ts
			}

			res, err := client.Call(cmd.Context(), http.MethodPost, "/runs", nil, body)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	}

	cmd.Flags().StringVar(&job, "job", "", "Job as [namespace/]name (required)")
	cmd.Flags().StringVar(&startedAt, "started-at", "", "Run start time (RFC 3339)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newRunCompleteCmd(client *Client) *cobra.Command {
	var eventType string

	cmd := &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Emit the terminal event of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if eventType != "" {
				body["event_type"] = strings.ToUpper(eventType)
			}
			res, err := client.Call(cmd.Context(), http.MethodPost, "/runs/"+url.PathEscape(args[0])+"/complete", nil, body)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	}

	cmd.Flags().StringVar(&eventType, "event-type", "", "COMPLETE (default), FAIL or ABORT")
	return cmd
}

// parseJob splits "namespace/name"; a bare name keeps the server default
// namespace.
func parseJob(s string) (namespace, name string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("--job is required")
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		namespace, name = s[:i], s[i+1:]
	} else {
		name = s
	}
	if name == "" {
		return "", "", fmt.Errorf("job %q has no name", s)
	}
	return namespace, name, nil
}

// printResult prints a single object as JSON or key/value detail.
func printResult(cmd *cobra.Command, res map[string]any) error {
	if getOutputFormat(cmd) == "json" {
		return PrintJSON(cmd.OutOrStdout(), res)
	}
	PrintDetail(cmd.OutOrStdout(), res)
	return nil
}
