// Package config loads the roster, task targets and service limits from a
// YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/workflow"
)

// maxFileSize caps the config file read by Load.
const maxFileSize = 1 * 1024 * 1024

// RateLimit bounds how often one user may claim batches.
type RateLimit struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// Config is the root of the YAML file. Fields left out of the file keep
// the values from Default.
type Config struct {
	Users             []workflow.User       `yaml:"users"`
	Tasks             []workflow.TaskConfig `yaml:"tasks"`
	ClaimTTL          time.Duration         `yaml:"claim_ttl"`
	RateLimit         RateLimit             `yaml:"rate_limit"`
	DashboardCacheTTL time.Duration         `yaml:"dashboard_cache_ttl"`
}

// Default returns the roster and targets of the first deployment.
func Default() *Config {
	return &Config{
		Users: []workflow.User{
			{ID: "weijie-huang", DisplayName: "Weijie Huang", IsActive: true},
			{ID: "arthur-hsu", DisplayName: "Arthur HSU", IsActive: true},
			{ID: "yichen-hu", DisplayName: "Yichen Hu", IsActive: true},
			{ID: "ruohan-zhong", DisplayName: "Ruohan Zhong", IsActive: true},
			{ID: "deng-pan", DisplayName: "Deng Pan", IsTestUser: true, CanAdjudicate: true, IsActive: true},
		},
		Tasks: []workflow.TaskConfig{
			{
				TaskType:             labels.AISentenceAudit,
				DisplayName:          "AI sentence audit",
				Description:          "Check whether the keyword method mislabels or misses AI sentences.",
				TargetTotalCompleted: 120,
				ExcludeTestByDefault: true,
				BatchStrategy:        workflow.BatchStrategyAutoMixed,
			},
			{
				TaskType:             labels.RoleAudit,
				DisplayName:          "Q&A role audit",
				Description:          "Verify analyst / management / operator / unknown in context.",
				TargetTotalCompleted: 80,
				TargetMinPerLabel:    20,
				CoverageLabels:       []string{"analyst", "management", "operator", "unknown"},
				ExcludeTestByDefault: true,
				BatchStrategy:        workflow.BatchStrategyAutoMixed,
			},
			{
				TaskType:             labels.BoundaryAudit,
				DisplayName:          "Q&A boundary and pairing quality",
				Description:          "Check the speech/Q&A split and question-answer pairing.",
				TargetTotalCompleted: 40,
				ExcludeTestByDefault: true,
				BatchStrategy:        workflow.BatchStrategyAutoMixed,
			},
			{
				TaskType:             labels.InitiationAudit,
				DisplayName:          "AI initiation audit",
				Description:          "Decide whether question and answer are AI related and who raised AI first.",
				TargetTotalCompleted: 80,
				TargetMinPerLabel:    20,
				CoverageLabels:       []string{"analyst_initiated", "management_pivot", "analyst_only", "non_ai"},
				ExcludeTestByDefault: true,
				BatchStrategy:        workflow.BatchStrategyAutoMixed,
			},
		},
		ClaimTTL:          workflow.DefaultClaimTTL,
		RateLimit:         RateLimit{PerMinute: 30, Burst: 5},
		DashboardCacheTTL: 10 * time.Second,
	}
}

// Load reads a YAML config from path on top of Default.
// The file must have a .yaml or .yml extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the roster, every task config and the limits.
func (c *Config) Validate() error {
	var errs []error

	ids := make(map[string]bool, len(c.Users))
	active := 0
	for _, u := range c.Users {
		switch {
		case u.ID == "":
			errs = append(errs, errors.New("user with empty id"))
		case ids[u.ID]:
			errs = append(errs, fmt.Errorf("duplicate user id %q", u.ID))
		}
		ids[u.ID] = true
		if u.IsActive {
			active++
		}
	}
	if active == 0 {
		errs = append(errs, errors.New("roster has no active users"))
	}

	seen := make(map[labels.TaskType]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		schema, err := t.TaskType.Schema()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.TaskType] {
			errs = append(errs, fmt.Errorf("duplicate task config %s", t.TaskType))
		}
		seen[t.TaskType] = true
		if err := workflow.ValidateTaskConfig(t, schema); err != nil {
			errs = append(errs, err)
		}
	}

	if c.ClaimTTL <= 0 {
		errs = append(errs, fmt.Errorf("claim_ttl must be positive, got %s", c.ClaimTTL))
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit needs positive per_minute and burst, got %+v", c.RateLimit))
	}
	if c.DashboardCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("dashboard_cache_ttl must not be negative, got %s", c.DashboardCacheTTL))
	}
	return errors.Join(errs...)
}
