// Package cli implements lineagectl, the command-line client of the
// lineage statistics correlator.
package cli

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]any{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["code"] = apiErr.Code
			}
			_ = PrintJSON(os.Stdout, errObj)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if hint := errorHint(err); hint != "" {
				_, _ = fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
			}
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		host    string
		token   string
		output  string
		profile string
	)

	client := NewClient(host, token)

	rootCmd := &cobra.Command{
		Use:           "lineagectl",
		Short:         "Lineage statistics correlator CLI",
		Long:          "Command-line interface for the lineage statistics correlator API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Config file is optional.
			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = emptyUserConfig()
			}
			p := cfg.ActiveProfile(profile)

			// Precedence: flag > env > profile > default.
			resolve(cmd, "host", &host, "LINEAGE_HOST", p.Host)
			resolve(cmd, "token", &token, "LINEAGE_TOKEN", p.Token)
			resolve(cmd, "output", &output, "LINEAGE_OUTPUT", p.Output)

			if err := validateOutputFormat(output); err != nil {
				return err
			}
			client.BaseURL = host
			client.Token = token
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "API host URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for authentication")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Config profile to use")

	rootCmd.AddCommand(newRunCmd(client))
	rootCmd.AddCommand(newReportCmd(client))
	rootCmd.AddCommand(newEventsCmd(client))
	rootCmd.AddCommand(newStatsCmd(client))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// errorHint suggests a fix for common failures.
func errorHint(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatus {
		case http.StatusUnauthorized:
			return "pass --token, set LINEAGE_TOKEN, or save one with 'lineagectl config set-profile'"
		case http.StatusNotImplemented:
			return "the server runs without an event archive; add 'archive' to LINEAGE_TRANSPORTS"
		}
		return ""
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return "is the correlator running? check --host or LINEAGE_HOST"
	}
	return ""
}

// resolve fills *dst from env or the profile unless the flag was set.
func resolve(cmd *cobra.Command, flag string, dst *string, envVar, profileVal string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	} else if profileVal != "" {
		*dst = profileVal
	}
}

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  commit,
				})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "lineagectl version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
