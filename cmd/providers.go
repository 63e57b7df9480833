package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/budgetly/mailsync/internal/ai"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured AI providers and key availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range ai.ListProviders(cfg.AI, nil) {
			def := ""
			if p.IsDefault {
				def = " (default)"
			}
			key := "no server key"
			if p.ServerKey != "" {
				key = "server key " + p.ServerKey
			}
			fmt.Printf("%-12s %s%s\n", p.ID, p.Label, def)
			fmt.Printf("             model %s, %s\n", p.Model, key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
