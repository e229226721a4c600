// Package config provides configuration loading and validation for the CLI
// and the API server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/veo-automator/internal/workflow"
)

// Config represents the configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults or CLI flags.
type Config struct {
	// Inputs and outputs
	Prompts      string `json:"prompts,omitempty"`       // Prompt file (.txt or .json)
	OutputDir    string `json:"output_dir,omitempty"`    // Destination for {seq}.{ext} files
	LocatorTable string `json:"locator_table,omitempty"` // YAML table replacing the embedded one

	// Browser
	ProfileDir  string `json:"profile_dir,omitempty"`  // Chrome user-data-dir with a signed-in profile
	DebuggerURL string `json:"debugger_url,omitempty"` // Attach to a running Chrome instead of launching
	TargetURL   string `json:"target_url,omitempty" validate:"omitempty,url"`
	Headless    bool   `json:"headless,omitempty"`

	// Generation settings
	ProjectType string `json:"project_type,omitempty"`
	Model       string `json:"model,omitempty"`
	OutputCount int    `json:"output_count,omitempty" validate:"omitempty,min=1,max=4"`
	AspectRatio string `json:"aspect_ratio,omitempty"`

	// Timing, in seconds unless noted
	ActionTimeout   int `json:"action_timeout,omitempty" validate:"min=0"`
	DownloadTimeout int `json:"download_timeout,omitempty" validate:"min=0"`
	InitialDelay    int `json:"initial_delay,omitempty" validate:"min=0"`
	PollInterval    int `json:"poll_interval,omitempty" validate:"min=0"`
	SessionCheck    int `json:"session_check_interval,omitempty" validate:"min=0"`
	WaitCeiling     int `json:"wait_ceiling,omitempty" validate:"min=0"`
	SettleMillis    int `json:"settle_ms,omitempty" validate:"min=0"`
	ScanDelay       int `json:"scan_delay,omitempty" validate:"min=0"`

	// Retries
	LocateRetries    int `json:"locate_retries,omitempty" validate:"min=0,max=10"`
	DownloadRetries  int `json:"download_retries,omitempty" validate:"min=0,max=10"`
	RetryDelay       int `json:"retry_delay,omitempty" validate:"min=0"`
	RecoveryAttempts int `json:"recovery_attempts,omitempty" validate:"min=0,max=10"`
	ScanAttempts     int `json:"scan_attempts,omitempty" validate:"min=0,max=10"`

	// Scoring thresholds per locator target
	ScoreThresholds map[string]int `json:"score_thresholds,omitempty"`

	// Behavior
	ProgressBuffer int    `json:"progress_buffer,omitempty" validate:"min=0"` // Progress queue capacity
	Verbose        bool   `json:"verbose,omitempty"`                          // Development logging
	DatabaseURL    string `json:"database_url,omitempty"`                     // PostgreSQL connection URL for history
	ListenAddr     string `json:"listen_addr,omitempty"`                      // API server address
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	s := workflow.DefaultSettings()
	return Config{
		OutputDir:        "downloads",
		TargetURL:        "https://labs.google/fx/vi/tools/flow",
		ProjectType:      s.ProjectType,
		Model:            s.Model,
		OutputCount:      s.OutputCount,
		AspectRatio:      s.AspectRatio,
		ActionTimeout:    15,
		DownloadTimeout:  300,
		InitialDelay:     5,
		PollInterval:     10,
		SessionCheck:     60,
		WaitCeiling:      600,
		SettleMillis:     700,
		ScanDelay:        5,
		LocateRetries:    2,
		DownloadRetries:  3,
		RetryDelay:       3,
		RecoveryAttempts: 3,
		ScanAttempts:     3,
		ProgressBuffer:   256,
		ListenAddr:       ":8080",
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// validate reports fields by their JSON names.
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks that the configuration has valid values. Required inputs
// are checked by the commands after flags are merged.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config error: '%s' failed '%s' (got %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config error: %w", err)
	}

	if c.ProfileDir != "" && c.DebuggerURL != "" {
		return fmt.Errorf("config error: 'profile_dir' and 'debugger_url' are mutually exclusive")
	}
	for target, threshold := range c.ScoreThresholds {
		if threshold < 0 {
			return fmt.Errorf("config error: score threshold for %q must be non-negative", target)
		}
	}
	if c.LocatorTable != "" {
		if _, err := os.Stat(c.LocatorTable); os.IsNotExist(err) {
			return fmt.Errorf("config error: locator table not found: %s", c.LocatorTable)
		}
	}
	if c.Prompts != "" {
		if _, err := os.Stat(c.Prompts); os.IsNotExist(err) {
			return fmt.Errorf("config error: prompt file not found: %s", c.Prompts)
		}
	}
	return nil
}

// Normalize replaces absent or unrecognized generation settings with
// defaults and returns the names of the fields it changed.
func (c *Config) Normalize() []string {
	s, changed := c.Settings().Normalize()
	c.ProjectType = s.ProjectType
	c.Model = s.Model
	c.OutputCount = s.OutputCount
	c.AspectRatio = s.AspectRatio
	return changed
}

// Settings returns the generation settings.
func (c *Config) Settings() workflow.Settings {
	return workflow.Settings{
		ProjectType: c.ProjectType,
		Model:       c.Model,
		OutputCount: c.OutputCount,
		AspectRatio: c.AspectRatio,
	}
}

// ApplyEnv fills empty fields from the environment.
func (c *Config) ApplyEnv() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.ProfileDir == "" && c.DebuggerURL == "" {
		c.ProfileDir = os.Getenv("CHROME_PROFILE_DIR")
		c.DebuggerURL = os.Getenv("CHROME_DEBUG_URL")
	}
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	mergeString(&result.Prompts, defaults.Prompts)
	mergeString(&result.OutputDir, defaults.OutputDir)
	mergeString(&result.LocatorTable, defaults.LocatorTable)
	mergeString(&result.ProfileDir, defaults.ProfileDir)
	mergeString(&result.DebuggerURL, defaults.DebuggerURL)
	mergeString(&result.TargetURL, defaults.TargetURL)
	mergeString(&result.ProjectType, defaults.ProjectType)
	mergeString(&result.Model, defaults.Model)
	mergeString(&result.AspectRatio, defaults.AspectRatio)
	mergeString(&result.DatabaseURL, defaults.DatabaseURL)
	mergeString(&result.ListenAddr, defaults.ListenAddr)

	// Int fields: use default if zero
	mergeInt(&result.OutputCount, defaults.OutputCount)
	mergeInt(&result.ActionTimeout, defaults.ActionTimeout)
	mergeInt(&result.DownloadTimeout, defaults.DownloadTimeout)
	mergeInt(&result.InitialDelay, defaults.InitialDelay)
	mergeInt(&result.PollInterval, defaults.PollInterval)
	mergeInt(&result.SessionCheck, defaults.SessionCheck)
	mergeInt(&result.WaitCeiling, defaults.WaitCeiling)
	mergeInt(&result.SettleMillis, defaults.SettleMillis)
	mergeInt(&result.LocateRetries, defaults.LocateRetries)
	mergeInt(&result.DownloadRetries, defaults.DownloadRetries)
	mergeInt(&result.RetryDelay, defaults.RetryDelay)
	mergeInt(&result.RecoveryAttempts, defaults.RecoveryAttempts)
	mergeInt(&result.ScanAttempts, defaults.ScanAttempts)
	mergeInt(&result.ScanDelay, defaults.ScanDelay)
	mergeInt(&result.ProgressBuffer, defaults.ProgressBuffer)

	if len(result.ScoreThresholds) == 0 && len(defaults.ScoreThresholds) > 0 {
		result.ScoreThresholds = make(map[string]int, len(defaults.ScoreThresholds))
		for k, v := range defaults.ScoreThresholds {
			result.ScoreThresholds[k] = v
		}
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

func mergeString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func mergeInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Seconds converts a seconds field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Settle is the delay between an interaction and its effect check.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.SettleMillis) * time.Millisecond
}
