// Package preset loads the immutable round-sequence/timings catalog of
// spec.md §3 from a JSON file at startup, in the shape of the teacher's
// items.LoadGameData static catalog loader — read once, held in memory,
// never mutated at runtime.
package preset

import (
	"encoding/json"
	"fmt"
	"os"

	"crab.casa/debate-arena/internal/domain"
)

// Registry is a static, in-memory repo.PresetRegistry.
type Registry struct {
	presets    map[string]domain.Preset
	defaultID string
}

type rawRound struct {
	Name      string `json:"name"`
	Speaker   string `json:"speaker"`
	TimeLimit int    `json:"timeLimitSeconds"`
	WordMin   int    `json:"wordMin"`
	WordMax   int    `json:"wordMax"`
	Exchanges int    `json:"exchanges"`
}

type rawPreset struct {
	ID         string     `json:"id"`
	Rounds     []rawRound `json:"rounds"`
	PrepTime   int        `json:"prepTimeSeconds"`
	VoteWindow int        `json:"voteWindowSeconds"`
}

type catalogFile struct {
	DefaultPresetID string      `json:"defaultPresetId"`
	Presets         []rawPreset `json:"presets"`
}

// Load reads a JSON preset catalog from path. defaultID overrides the
// catalog's own defaultPresetId when non-empty (the config-driven
// default_preset_id option of spec.md §6 takes precedence).
func Load(path, defaultID string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset catalog %s: %w", path, err)
	}

	var raw catalogFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse preset catalog %s: %w", path, err)
	}

	reg := &Registry{presets: make(map[string]domain.Preset, len(raw.Presets))}
	for _, rp := range raw.Presets {
		reg.presets[rp.ID] = toDomain(rp)
	}

	reg.defaultID = raw.DefaultPresetID
	if defaultID != "" {
		reg.defaultID = defaultID
	}

	return reg, nil
}

func toDomain(rp rawPreset) domain.Preset {
	rounds := make([]domain.RoundConfig, 0, len(rp.Rounds))
	for _, rr := range rp.Rounds {
		exchanges := rr.Exchanges
		if exchanges == 0 {
			exchanges = 1
		}
		rounds = append(rounds, domain.RoundConfig{
			Name:      rr.Name,
			Speaker:   domain.Side(rr.Speaker),
			TimeLimit: rr.TimeLimit,
			WordLimit: domain.WordLimit{Min: rr.WordMin, Max: rr.WordMax},
			Exchanges: exchanges,
		})
	}
	return domain.Preset{
		ID:         rp.ID,
		Rounds:     rounds,
		PrepTime:   rp.PrepTime,
		VoteWindow: rp.VoteWindow,
	}
}

// Get satisfies repo.PresetRegistry.
func (r *Registry) Get(id string) (domain.Preset, bool) {
	p, ok := r.presets[id]
	return p, ok
}

// Default satisfies repo.PresetRegistry.
func (r *Registry) Default() string { return r.defaultID }
