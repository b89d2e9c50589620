// Package config loads and validates the service configuration of
// spec.md §6: instance identity, KV/BUS endpoints, listening address,
// and the tunables for ownership, matchmaker, rating, and bot
// transport timing.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"crab.casa/debate-arena/internal/apperrors"
)

// Config is the full set of recognized options from spec.md §6.
type Config struct {
	InstanceID string `koanf:"instance_id" validate:"required"`

	KVEndpoint  string `koanf:"kv_endpoint" validate:"required"`
	BusEndpoint string `koanf:"bus_endpoint" validate:"required"`

	ListenAddress string `koanf:"listen_address" validate:"required"`
	ListenPort    int    `koanf:"listen_port" validate:"required,gt=0,lte=65535"`

	OwnershipTTLSeconds         int `koanf:"ownership_ttl_seconds" validate:"gt=0"`
	OwnershipRefreshSeconds     int `koanf:"ownership_refresh_seconds" validate:"gt=0"`
	UnownedSweepSeconds         int `koanf:"unowned_sweep_seconds" validate:"gt=0"`
	RecoveryLockTTLSeconds      int `koanf:"recovery_lock_ttl_seconds" validate:"gt=0"`
	BotHeartbeatSeconds         int `koanf:"bot_heartbeat_seconds" validate:"gt=0"`
	BotAttachmentTTLSeconds     int `koanf:"bot_attachment_ttl_seconds" validate:"gt=0"`
	MatchmakerSweepSeconds      int `koanf:"matchmaker_sweep_seconds" validate:"gt=0"`
	ShutdownGracePeriodSeconds  int `koanf:"shutdown_grace_period_seconds" validate:"gt=0"`

	RatingKFactor          int `koanf:"rating_k_factor" validate:"gt=0"`
	RatingExpandBase       int `koanf:"rating_expand_base" validate:"gt=0"`
	RatingExpandStep       int `koanf:"rating_expand_step" validate:"gt=0"`
	RatingExpandCap        int `koanf:"rating_expand_cap" validate:"gtfield=RatingExpandBase"`
	RatingExpandStepWindow int `koanf:"rating_expand_step_window" validate:"gt=0"`

	DefaultPresetID string `koanf:"default_preset_id" validate:"required"`

	DatabaseDSN string `koanf:"database_dsn" validate:"required"`
}

// defaults mirrors spec.md §6's documented default values.
func defaults() *Config {
	return &Config{
		OwnershipTTLSeconds:        300,
		OwnershipRefreshSeconds:    120,
		UnownedSweepSeconds:        30,
		RecoveryLockTTLSeconds:     120,
		BotHeartbeatSeconds:        30,
		BotAttachmentTTLSeconds:    120,
		MatchmakerSweepSeconds:     2,
		ShutdownGracePeriodSeconds: 3,
		RatingKFactor:              32,
		RatingExpandBase:           100,
		RatingExpandStep:           50,
		RatingExpandCap:            500,
		RatingExpandStepWindow:     30,
	}
}

// Load builds a Config with precedence CLI flags > environment
// variables > config file > defaults, following the teacher pack's
// koanf loader shape.
//
// Environment variables use the DEBATE_ARENA_ prefix; double
// underscores are unused since this config has no nested sections, so
// DEBATE_ARENA_INSTANCE_ID maps directly to instance_id.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("DEBATE_ARENA_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "DEBATE_ARENA_")
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	// Start from defaults; koanf's mapstructure decoder only touches
	// fields present in a loaded source, so unset keys keep their
	// default value instead of zeroing out.
	cfg := defaults()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config unmarshal failed: %w", err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}

	return cfg, nil
}
