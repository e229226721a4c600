package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/veo-automator/internal/locator"
	"github.com/jonathan/veo-automator/internal/observability"
)

var (
	locatorsConfigPath string
	locatorsRaw        bool
)

var locatorsCmd = &cobra.Command{
	Use:   "locators",
	Short: "Print the locator table",
	Long:  "Prints every target with its candidate queries (Vietnamese and English labels), scoring thresholds and panel markers. --raw prints the YAML source instead.",
	RunE:  runLocators,
}

func init() {
	locatorsCmd.Flags().StringVar(&locatorsConfigPath, "config", "", "Path to config.json file (locator_table and score_thresholds)")
	locatorsCmd.Flags().BoolVar(&locatorsRaw, "raw", false, "Print the YAML table as loaded")
	rootCmd.AddCommand(locatorsCmd)
}

func runLocators(_ *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(locatorsConfigPath, nil)
	if err != nil {
		return err
	}

	if locatorsRaw {
		data := locator.DefaultTableYAML()
		if cfg.LocatorTable != "" {
			data, err = os.ReadFile(cfg.LocatorTable)
			if err != nil {
				return fmt.Errorf("failed to read locator table: %w", err)
			}
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	observability.NewPrinter(os.Stdout).PrintLocators(table)
	return nil
}
