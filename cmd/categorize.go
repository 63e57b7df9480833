package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/budgetly/mailsync/internal/ai"
	"github.com/budgetly/mailsync/internal/resilience"
)

var categorizeProvider string

var categorizeCmd = &cobra.Command{
	Use:   "categorize <merchant> [description]",
	Short: "Categorize a purchase with the configured AI provider",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := ai.ResolveCredentials(cfg.AI, nil, nil, categorizeProvider)
		if err != nil {
			return err
		}
		gw := ai.NewGateway(ai.NewClient(creds), creds.Config, cfg.Sync, resilience.FromConfig(cfg.Retry))

		merchant := args[0]
		description := strings.Join(args[1:], " ")
		category, err := gw.Categorize(cmd.Context(), merchant, description)
		if err != nil {
			return err
		}

		fmt.Println(category)
		return nil
	},
}

func init() {
	categorizeCmd.Flags().StringVar(&categorizeProvider, "provider", "", "AI provider id (default from config)")
	rootCmd.AddCommand(categorizeCmd)
}
