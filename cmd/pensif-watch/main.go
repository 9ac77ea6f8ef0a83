package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	options := watchOptions{}
	cmd := &cobra.Command{
		Use:          "pensif-watch",
		Short:        "Follow a canvas over the realtime relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			options.token = firstNonEmpty(options.token, os.Getenv("PENSIF_TOKEN"))
			return runWatch(cmd.Context(), options)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&options.apiURL, "api-url", "http://localhost:8080", "Base URL of the API server")
	flags.StringVar(&options.projectID, "project", "", "Project id to follow")
	flags.StringVar(&options.token, "token", "", "Session token (defaults to PENSIF_TOKEN)")
	flags.StringVar(&options.name, "name", "", "Display name announced to other sessions")
	flags.StringVar(&options.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&options.skipSnapshot, "skip-snapshot", false, "Start from an empty canvas instead of loading the project")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
