package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/veo-automator/internal/config"
	"github.com/jonathan/veo-automator/internal/observability"
	"github.com/jonathan/veo-automator/internal/prompts"
	"github.com/jonathan/veo-automator/internal/schemas"
	schemafiles "github.com/jonathan/veo-automator/schemas"
)

var (
	validateConfigPath string
	validatePrompts    string
	validateReport     string
	validateSchema     string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file, its locator table and a prompt file",
	Long: `Loads everything a run would load without starting Chrome, then prints the settings the batch would use.

--report checks a JSON batch report written by run --report-json (or fetched from the API) against the bundled schema, or against --schema when given.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", "", "Path to config.json file")
	validateCmd.Flags().StringVarP(&validatePrompts, "prompts", "p", "", "Prompt file to check")
	validateCmd.Flags().StringVar(&validateReport, "report", "", "JSON batch report to check")
	validateCmd.Flags().StringVar(&validateSchema, "schema", "", "JSON Schema file to check --report against instead of the bundled one")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, changed, err := resolveConfig(validateConfigPath, func(c *config.Config) {
		if cmd.Flags().Changed("prompts") {
			c.Prompts = validatePrompts
		}
	})
	if err != nil {
		return err
	}
	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Config OK (%d locator targets)\n", len(table.Targets))
	for _, field := range changed {
		fmt.Printf("  note: %s replaced with default\n", field)
	}

	if validateReport != "" {
		if err := checkReport(validateReport, validateSchema); err != nil {
			return err
		}
		fmt.Printf("✓ Report OK: %s\n", validateReport)
	}

	if cfg.Prompts == "" {
		return nil
	}
	file, err := prompts.Load(cfg.Prompts)
	if err != nil {
		return err
	}
	settings := file.Apply(cfg.Settings())
	withSettings(&cfg, settings)
	for _, field := range cfg.Normalize() {
		fmt.Printf("  note: %s from the prompt file replaced with default\n", field)
	}
	fmt.Printf("✓ Prompt file OK: %d prompts (%s)\n", len(file.Prompts), file.Format)
	observability.NewPrinter(os.Stdout).PrintSettings(cfg.Settings(), len(file.Prompts))
	return nil
}

// checkReport validates a batch report file against schemaPath, or against
// the embedded report schema when schemaPath is empty.
func checkReport(path, schemaPath string) error {
	if schemaPath != "" {
		return schemas.ValidateJSON(schemaPath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	return schemas.Validate(schemafiles.BatchReport, data)
}
