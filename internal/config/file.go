package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay. Unset fields leave the default in place.
type fileConfig struct {
	Approval struct {
		Mode string `yaml:"mode"`
	} `yaml:"approval"`
	Detector struct {
		LookbackTasks int `yaml:"lookback_tasks"`
		LookbackDays  int `yaml:"lookback_days"`
		MinSample     int `yaml:"min_sample"`
	} `yaml:"detector"`
	Scheduler struct {
		Enabled        *bool  `yaml:"enabled"`
		SweepInterval  string `yaml:"sweep_interval"`
		ReviewInterval string `yaml:"review_interval"`
	} `yaml:"scheduler"`
	Knowledge struct {
		CacheMode string `yaml:"cache_mode"`
	} `yaml:"knowledge"`
	Store struct {
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"store"`
	Roles  []string          `yaml:"roles"`
	Agents []AgentDefinition `yaml:"agents"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	var errs []error
	setStr(&cfg.ApprovalMode, fc.Approval.Mode)
	setStr(&cfg.KnowledgeCacheMode, fc.Knowledge.CacheMode)
	setStr(&cfg.StoreDriver, fc.Store.Driver)
	setStr(&cfg.SQLitePath, fc.Store.SQLitePath)
	setInt(&cfg.DetectorLookbackTasks, fc.Detector.LookbackTasks)
	setInt(&cfg.DetectorLookbackDays, fc.Detector.LookbackDays)
	setInt(&cfg.DetectorMinSample, fc.Detector.MinSample)
	if fc.Scheduler.Enabled != nil {
		cfg.SchedulerEnabled = *fc.Scheduler.Enabled
	}
	errs = append(errs,
		setDuration(&cfg.SweepInterval, "scheduler.sweep_interval", fc.Scheduler.SweepInterval),
		setDuration(&cfg.ReviewInterval, "scheduler.review_interval", fc.Scheduler.ReviewInterval),
		setDuration(&cfg.StoreTimeout, "store.timeout", fc.Store.Timeout),
	)
	if len(fc.Roles) > 0 {
		cfg.DefaultRoles = fc.Roles
	}
	for i, a := range fc.Agents {
		if a.Role == "" {
			errs = append(errs, fmt.Errorf("agents[%d].role is required", i))
		}
	}
	cfg.Agents = fc.Agents

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	*dst = d
	return nil
}
