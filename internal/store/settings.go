package store

import (
	"database/sql"
	"fmt"

	"github.com/inkwell-ai/inkwell/internal/chatmodel"
)

// defaultSettings are applied on first run, when the settings table is
// empty — see chatmodel.Settings.AppFirstRun.
func defaultSettings() chatmodel.Settings {
	return chatmodel.Settings{
		GenerationTemperature:     0.8,
		GenerationTopP:            0.95,
		GenerationMaxTokens:       512,
		GenerationContextSize:     4096,
		GenerationSummaryBudget:   512,
		GenerationMemoryBudget:    512,
		GenerationLorebookBudget:  1024,
		GenerationExampleBudget:   1024,
		GenerationResponseReserve: 512,
		ModelGPULayers:            -1,
		AppFirstRun:               true,
		AppTheme:                  "system",
	}
}

func getSetting(q dbtx, key string) (string, bool, error) {
	var value string
	err := q.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func putSetting(q dbtx, key, value string) error {
	_, err := q.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// LoadSettings reads process-wide settings, applying defaults for any
// key never written (including on a fresh database, where every key
// is unset and AppFirstRun reports true).
func (s *Store) LoadSettings() (chatmodel.Settings, error) {
	out := defaultSettings()

	str := func(key string, dst *string) error {
		v, ok, err := getSetting(s.db, key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
		return nil
	}
	num := func(key string, dst *float64) error {
		v, ok, err := getSetting(s.db, key)
		if err != nil {
			return err
		}
		if ok {
			if _, err := fmt.Sscanf(v, "%g", dst); err != nil {
				return fmt.Errorf("parse setting %s: %w", key, err)
			}
		}
		return nil
	}
	intv := func(key string, dst *int) error {
		v, ok, err := getSetting(s.db, key)
		if err != nil {
			return err
		}
		if ok {
			if _, err := fmt.Sscanf(v, "%d", dst); err != nil {
				return fmt.Errorf("parse setting %s: %w", key, err)
			}
		}
		return nil
	}

	firstRunVal, firstRunSet, err := getSetting(s.db, "app.first_run")
	if err != nil {
		return out, err
	}
	if firstRunSet {
		out.AppFirstRun = firstRunVal == "true"
	}

	for _, f := range []func() error{
		func() error { return num("generation.temperature", &out.GenerationTemperature) },
		func() error { return num("generation.top_p", &out.GenerationTopP) },
		func() error { return intv("generation.max_tokens", &out.GenerationMaxTokens) },
		func() error { return intv("generation.context_size", &out.GenerationContextSize) },
		func() error { return intv("generation.summary_budget", &out.GenerationSummaryBudget) },
		func() error { return intv("generation.memory_budget", &out.GenerationMemoryBudget) },
		func() error { return intv("generation.lorebook_budget", &out.GenerationLorebookBudget) },
		func() error { return intv("generation.example_dialogue_budget", &out.GenerationExampleBudget) },
		func() error { return intv("generation.response_reserve", &out.GenerationResponseReserve) },
		func() error { return str("model.path", &out.ModelPath) },
		func() error { return intv("model.gpu_layers", &out.ModelGPULayers) },
		func() error { return str("app.theme", &out.AppTheme) },
	} {
		if err := f(); err != nil {
			return out, err
		}
	}

	return out, nil
}

// SaveSettings persists every field of sett, including AppFirstRun as
// given, in one transaction.
func (s *Store) SaveSettings(sett chatmodel.Settings) error {
	return s.withTx(func(tx *sql.Tx) error {
		entries := map[string]string{
			"generation.temperature":      fmt.Sprintf("%g", sett.GenerationTemperature),
			"generation.top_p":            fmt.Sprintf("%g", sett.GenerationTopP),
			"generation.max_tokens":       fmt.Sprintf("%d", sett.GenerationMaxTokens),
			"generation.context_size":     fmt.Sprintf("%d", sett.GenerationContextSize),
			"generation.summary_budget":   fmt.Sprintf("%d", sett.GenerationSummaryBudget),
			"generation.memory_budget":    fmt.Sprintf("%d", sett.GenerationMemoryBudget),
			"generation.lorebook_budget":  fmt.Sprintf("%d", sett.GenerationLorebookBudget),
			"generation.example_dialogue_budget": fmt.Sprintf("%d", sett.GenerationExampleBudget),
			"generation.response_reserve": fmt.Sprintf("%d", sett.GenerationResponseReserve),
			"model.path":                  sett.ModelPath,
			"model.gpu_layers":            fmt.Sprintf("%d", sett.ModelGPULayers),
			"app.theme":                   sett.AppTheme,
			"app.first_run":               fmt.Sprintf("%t", sett.AppFirstRun),
		}
		for key, value := range entries {
			if err := putSetting(tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}
