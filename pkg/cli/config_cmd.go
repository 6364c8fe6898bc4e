package cli

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lineagectl profiles",
		Long: "Profiles store a correlator host, a bearer token and a default output format\n" +
			"in ~/.lineagectl/config.yaml. Flags and LINEAGE_* environment variables\n" +
			"override the active profile.",
	}
	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetProfileCmd(),
		newConfigUseProfileCmd(),
		newConfigDeleteProfileCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var reveal, all bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active profile, or every profile with --all",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return fmt.Errorf("no profiles saved at %s: %w", ConfigPath(), err)
			}
			if !reveal {
				cfg = maskConfig(cfg)
			}
			out := cmd.OutOrStdout()

			if all {
				if getOutputFormat(cmd) == "json" {
					return PrintJSON(out, cfg)
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("encode profiles: %w", err)
				}
				_, err = out.Write(data)
				return err
			}

			name := profileFlag(cmd)
			if name == "" {
				name = cfg.CurrentProfile
			}
			p, ok := cfg.Profiles[name]
			if !ok {
				return fmt.Errorf("profile %q not found", name)
			}
			detail := map[string]any{
				"profile": name,
				"host":    p.Host,
				"token":   p.Token,
				"output":  p.Output,
				"path":    ConfigPath(),
			}
			if getOutputFormat(cmd) == "json" {
				return PrintJSON(out, detail)
			}
			PrintDetail(out, detail)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print tokens unmasked")
	cmd.Flags().BoolVar(&all, "all", false, "Print the whole profile file")
	return cmd
}

func newConfigSetProfileCmd() *cobra.Command {
	var (
		output string
		use    bool
	)

	cmd := &cobra.Command{
		Use:   "set-profile <name>",
		Short: "Create or update a profile",
		Example: "  lineagectl config set-profile prod --host https://lineage.example.com --token $TOKEN --use\n" +
			"  lineagectl config set-profile local --default-output json",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("profile name must not be empty")
			}
			// --host and --token are the root's persistent flags.
			changed := cmd.Flags().Changed
			host, _ := cmd.Flags().GetString("host")
			token, _ := cmd.Flags().GetString("token")
			if changed("host") {
				if err := validateHost(host); err != nil {
					return err
				}
			}
			if changed("default-output") {
				if err := validateOutputFormat(output); err != nil {
					return err
				}
			}

			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = emptyUserConfig()
			}
			p, existed := cfg.Profiles[name]
			if changed("host") {
				p.Host = strings.TrimRight(host, "/")
			}
			if changed("token") {
				p.Token = token
			}
			if changed("default-output") {
				p.Output = output
			}
			cfg.Profiles[name] = p
			if use || cfg.CurrentProfile == "" {
				cfg.CurrentProfile = name
			}
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}

			action := "created"
			if existed {
				action = "updated"
			}
			return printConfigResult(cmd, map[string]any{
				"profile": name,
				"action":  action,
				"active":  cfg.CurrentProfile == name,
			}, fmt.Sprintf("profile %q %s", name, action))
		},
	}

	cmd.Flags().StringVar(&output, "default-output", "", "Output format stored in the profile (table, json)")
	cmd.Flags().BoolVar(&use, "use", false, "Make this the active profile")
	return cmd
}

func newConfigUseProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Switch the active profile",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
			return savedProfiles(), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return fmt.Errorf("no profiles saved at %s: %w", ConfigPath(), err)
			}
			name := args[0]
			if _, ok := cfg.Profiles[name]; !ok {
				return fmt.Errorf("profile %q not found", name)
			}
			cfg.CurrentProfile = name
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			return printConfigResult(cmd, map[string]any{"profile": name, "active": true},
				fmt.Sprintf("now using profile %q", name))
		},
	}
}

func newConfigDeleteProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-profile <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		ValidArgsFunction: func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
			return savedProfiles(), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return fmt.Errorf("no profiles saved at %s: %w", ConfigPath(), err)
			}
			name := args[0]
			if _, ok := cfg.Profiles[name]; !ok {
				return fmt.Errorf("profile %q not found", name)
			}
			delete(cfg.Profiles, name)
			if cfg.CurrentProfile == name {
				cfg.CurrentProfile = ""
			}
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			return printConfigResult(cmd, map[string]any{"profile": name, "action": "deleted"},
				fmt.Sprintf("profile %q deleted", name))
		},
	}
}

func printConfigResult(cmd *cobra.Command, v map[string]any, msg string) error {
	if getOutputFormat(cmd) == "json" {
		return PrintJSON(cmd.OutOrStdout(), v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), msg)
	return err
}

// profileFlag returns the --profile value, or "" when unset.
func profileFlag(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("profile")
	return v
}

func savedProfiles() []string {
	cfg, err := LoadUserConfig()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateHost(host string) error {
	u, err := url.Parse(host)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid host %q: want http(s)://host[:port]", host)
	}
	return nil
}

// maskConfig returns a copy of cfg with every token masked.
func maskConfig(cfg *UserConfig) *UserConfig {
	masked := &UserConfig{
		CurrentProfile: cfg.CurrentProfile,
		Profiles:       make(map[string]Profile, len(cfg.Profiles)),
	}
	for name, p := range cfg.Profiles {
		p.Token = maskSecret(p.Token)
		masked.Profiles[name] = p
	}
	return masked
}

// maskSecret keeps the last four characters of tokens longer than eight.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "********"
	default:
		return "********" + s[len(s)-4:]
	}
}
