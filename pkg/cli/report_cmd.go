package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newReportCmd(client *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Send metric reports",
	}
	cmd.AddCommand(newReportSendCmd(client))
	return cmd
}

func newReportSendCmd(client *Client) *cobra.Command {
	var (
		file    string
		kind    string
		runID   string
		dataset string
		ver     string
		role    string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one report from flags, or a report or batch from --file",
		Long: `Send metric reports to the correlator.

With --file, the file (or stdin for "-") holds either one report object or
{"reports": [...]}. Otherwise the report is built from flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := reportBody(cmd.InOrStdin(), file, kind, runID, dataset, ver, role, payload)
			if err != nil {
				return err
			}
			res, err := client.Call(cmd.Context(), http.MethodPost, "/reports", nil, body)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			PrintTable(out, []string{"index", "status", "version", "code", "message"}, ExtractRows(res, "results", []string{"index", "status", "version", "code", "message"}))
			_, _ = fmt.Fprintf(out, "\naccepted: %s  rejected: %s\n", ExtractField(res, "accepted"), ExtractField(res, "rejected"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", `JSON file with a report or batch ("-" for stdin)`)
	cmd.Flags().StringVar(&kind, "kind", "", "Report kind: basic-io, scan or commit")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id the report belongs to")
	cmd.Flags().StringVar(&dataset, "dataset", "", "Dataset as namespace/name")
	cmd.Flags().StringVar(&ver, "version", "", "Dataset version (snapshot id)")
	cmd.Flags().StringVar(&role, "role", "", "input or output")
	cmd.Flags().StringVar(&payload, "payload", "", "Report payload as JSON")
	return cmd
}

func reportBody(stdin io.Reader, file, kind, runID, dataset, ver, role, payload string) (any, error) {
	if file != "" {
		var (
			data []byte
			err  error
		)
		if file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, fmt.Errorf("read reports: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s does not contain valid JSON", file)
		}
		return json.RawMessage(data), nil
	}

	if kind == "" || runID == "" {
		return nil, fmt.Errorf("--kind and --run-id are required without --file")
	}
	i := strings.LastIndex(dataset, "/")
	if i <= 0 || i == len(dataset)-1 {
		return nil, fmt.Errorf("--dataset must be namespace/name, got %q", dataset)
	}
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("--payload is not valid JSON")
	}
	body := map[string]any{
		"kind":    kind,
		"run_id":  runID,
		"dataset": map[string]string{"namespace": dataset[:i], "name": dataset[i+1:]},
		"payload": json.RawMessage(payload),
	}
	if ver != "" {
		body["version"] = ver
	}
	if role != "" {
		body["role"] = role
	}
	return body, nil
}
