package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/teamsync/internal/teamsync"
)

func importCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "import <owner>/<repo>",
		Short: "Import open tracker issues of a repository as tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, ok := strings.Cut(strings.TrimSpace(args[0]), "/")
			if !ok || owner == "" || repo == "" {
				return fmt.Errorf("expected <owner>/<repo>, got %q", args[0])
			}
			cfg, _, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			application, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			if token == "" {
				token = os.Getenv("TEAMSYNC_TRACKER_TOKEN")
			}
			result, importErr := application.bridge.Import(cmd.Context(), teamsync.Actor{
				UserID:       userID,
				TrackerToken: token,
			}, owner, repo)
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(result); err != nil {
				return err
			}
			return importErr
		},
	}
	cmd.Flags().StringVar(&userID, "as", "system", "user id the imported tasks are created by")
	cmd.Flags().StringVar(&token, "token", "", "tracker token (defaults to TEAMSYNC_TRACKER_TOKEN or the user's stored token)")
	return cmd
}
