package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// riskYAML is the structured override file for the tabular parts of the
// risk-gate/cooldown configuration: cooldown bar counts per timeframe and
// the daily drawdown thresholds. These are naturally a table, not a flat
// list of env vars, so they get their own optional file instead of more
// COOLDOWN_BARS_* env vars.
type riskYAML struct {
	Cooldown struct {
		Bars1H int `yaml:"bars_1h"`
		Bars4H int `yaml:"bars_4h"`
		Bars1D int `yaml:"bars_1d"`
	} `yaml:"cooldown"`
	Risk struct {
		DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
		DrawdownSoftPct      float64 `yaml:"drawdown_soft_pct"`
		DrawdownHardPct      float64 `yaml:"drawdown_hard_pct"`
	} `yaml:"risk"`
}

// applyRiskYAML overlays an optional YAML file onto the env-derived cooldown
// and drawdown fields. A missing file is not an error: env vars and their
// defaults already cover every field this file can override.
func applyRiskYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read risk yaml %s: %w", path, err)
	}

	var parsed riskYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse risk yaml %s: %w", path, err)
	}

	if parsed.Cooldown.Bars1H > 0 {
		cfg.CooldownBars1H = parsed.Cooldown.Bars1H
	}
	if parsed.Cooldown.Bars4H > 0 {
		cfg.CooldownBars4H = parsed.Cooldown.Bars4H
	}
	if parsed.Cooldown.Bars1D > 0 {
		cfg.CooldownBars1D = parsed.Cooldown.Bars1D
	}
	if parsed.Risk.DailyLossLimitPct > 0 {
		cfg.DailyLossLimitPct = parsed.Risk.DailyLossLimitPct
	}
	if parsed.Risk.DrawdownSoftPct > 0 {
		cfg.DailyDrawdownSoftPct = parsed.Risk.DrawdownSoftPct
	}
	if parsed.Risk.DrawdownHardPct > 0 {
		cfg.DailyDrawdownHardPct = parsed.Risk.DrawdownHardPct
	}
	return nil
}
