package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"terminal/internal/auth"
	"terminal/internal/config"
	"terminal/internal/hostcheck"
	"terminal/internal/policy"
	"terminal/internal/sanitize"
	"terminal/internal/server"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the host security self-check and print the report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger("error")
		report := hostcheck.Run(cmd.Context(), hostcheck.Defaults(server.PingDocker), logger)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return report.Err()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <command line>",
	Short: "Show whether the sandbox would accept a command line",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		fmt.Println(policy.Validate(strings.Join(args, " ")))
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <project>",
	Short: "Issue a short-lived terminal token signed with TERMINAL_TOKEN_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.Secret == "" {
			return fmt.Errorf("TERMINAL_TOKEN_SECRET is not set")
		}
		project, err := sanitize.NewAllowlist(cfg.Projects).Sanitize(args[0])
		if err != nil {
			return err
		}

		v := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Purpose, cfg.Auth.Required)
		token, err := v.Issue(project, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 5*time.Minute, "token lifetime")
}
