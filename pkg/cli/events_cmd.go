package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var eventColumns = []string{"event_id", "event_type", "event_time", "run_id", "job.namespace", "job.name"}

func newEventsCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect archived events",
	}
	cmd.AddCommand(newEventsListCmd(client))
	cmd.AddCommand(newEventsGetCmd(client))
	return cmd
}

func newEventsListCmd(client *Client) *cobra.Command {
	var (
		runID      string
		jobName    string
		eventType  string
		maxResults int
		pageToken  string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "run_id", runID)
			setIf(q, "job_name", jobName)
			setIf(q, "event_type", eventType)
			if maxResults > 0 {
				q.Set("max_results", strconv.Itoa(maxResults))
			}
			setIf(q, "page_token", pageToken)

			events := []any{}
			var (
				res map[string]any
				err error
			)
			for {
				res, err = client.Call(cmd.Context(), http.MethodGet, "/events", q, nil)
				if err != nil {
					return err
				}
				page, _ := res["events"].([]any)
				events = append(events, page...)
				next, _ := res["next_page_token"].(string)
				if !all || next == "" {
					break
				}
				q.Set("page_token", next)
			}
			res["events"] = events
			if all {
				delete(res, "next_page_token")
			}

			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			PrintTable(out, eventColumns, ExtractRows(res, "events", eventColumns))
			if next := ExtractField(res, "next_page_token"); next != "" {
				_, _ = fmt.Fprintf(out, "\nnext page: --page-token %s\n", next)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Only events of this run")
	cmd.Flags().StringVar(&jobName, "job-name", "", "Only events of this job")
	cmd.Flags().StringVar(&eventType, "event-type", "", "Only events of this type")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Continue from a previous listing")
	cmd.Flags().BoolVar(&all, "all", false, "Follow page tokens until exhausted")
	return cmd
}

func newEventsGetCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Print the emitted payload of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.Call(cmd.Context(), http.MethodGet, "/events/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			// The payload is already JSON; table output would flatten it.
			return PrintJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStatsCmd(client *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show correlator occupancy and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := client.Call(cmd.Context(), http.MethodGet, "/stats", nil, nil)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	}
}

func setIf(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}
