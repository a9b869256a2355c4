package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// AttributionTransitive credits every ancestor on the leg the activity lies in.
	AttributionTransitive = "transitive"
	// AttributionNearest credits only the originator's parent.
	AttributionNearest = "nearest"
)

// CompensationConfig holds the tunables of the compensation plan. It is
// hot-reloadable, so services read it through the holder on every use.
type CompensationConfig struct {
	WeeklyPayoutCap         int64  `mapstructure:"weeklyPayoutCap"`
	BinaryCommissionPercent int64  `mapstructure:"binaryCommissionPercent"`
	AttributionMode         string `mapstructure:"attributionMode"`
	MaxAttributionDepth     int    `mapstructure:"maxAttributionDepth"`
	Timezone                string `mapstructure:"timezone"`
	WeeklyCloseSchedule     string `mapstructure:"weeklyCloseSchedule"`
	MonthlyRankSchedule     string `mapstructure:"monthlyRankSchedule"`
	ExpirySchedule          string `mapstructure:"expirySchedule"`
	OutboxRelaySchedule     string `mapstructure:"outboxRelaySchedule"`
}

func DefaultCompensationConfig() CompensationConfig {
	return CompensationConfig{
		WeeklyPayoutCap:         10_000,
		BinaryCommissionPercent: 10,
		AttributionMode:         AttributionTransitive,
		MaxAttributionDepth:     0,
		Timezone:                "UTC",
		WeeklyCloseSchedule:     "5 0 * * 1",
		MonthlyRankSchedule:     "15 0 1 * *",
		ExpirySchedule:          "0 * * * *",
		OutboxRelaySchedule:     "@every 5s",
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (c CompensationConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil || c.Timezone == "" {
		return time.UTC
	}
	return loc
}

func ValidateCompensationConfig(cfg CompensationConfig) error {
	if cfg.WeeklyPayoutCap < 0 {
		return errors.New("compensation.weeklyPayoutCap cannot be negative")
	}
	if cfg.BinaryCommissionPercent < 0 || cfg.BinaryCommissionPercent > 100 {
		return errors.New("compensation.binaryCommissionPercent must be within 0..100")
	}
	switch cfg.AttributionMode {
	case AttributionTransitive, AttributionNearest:
	default:
		return fmt.Errorf("compensation.attributionMode %q is not supported", cfg.AttributionMode)
	}
	if cfg.MaxAttributionDepth < 0 {
		return errors.New("compensation.maxAttributionDepth cannot be negative")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("compensation.timezone: %w", err)
	}
	return nil
}

type CompensationConfigHolder struct {
	current atomic.Value // holds CompensationConfig
}

// NewStaticCompensationHolder wraps a fixed config. Used by tests and tools.
func NewStaticCompensationHolder(cfg CompensationConfig) *CompensationConfigHolder {
	holder := &CompensationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCompensationConfigHolder(log *zap.Logger) (*CompensationConfigHolder, error) {
	log = log.Named("config.compensation")
	v := viper.New()

	v.SetConfigName("compensation")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/binaryplan")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BINARYPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCompensationConfig()
	v.SetDefault("compensation.weeklyPayoutCap", defaults.WeeklyPayoutCap)
	v.SetDefault("compensation.binaryCommissionPercent", defaults.BinaryCommissionPercent)
	v.SetDefault("compensation.attributionMode", defaults.AttributionMode)
	v.SetDefault("compensation.maxAttributionDepth", defaults.MaxAttributionDepth)
	v.SetDefault("compensation.timezone", defaults.Timezone)
	v.SetDefault("compensation.weeklyCloseSchedule", defaults.WeeklyCloseSchedule)
	v.SetDefault("compensation.monthlyRankSchedule", defaults.MonthlyRankSchedule)
	v.SetDefault("compensation.expirySchedule", defaults.ExpirySchedule)
	v.SetDefault("compensation.outboxRelaySchedule", defaults.OutboxRelaySchedule)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg CompensationConfig
	if err := v.UnmarshalKey("compensation", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateCompensationConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCompensationHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CompensationConfig
		if err := v.UnmarshalKey("compensation", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := ValidateCompensationConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CompensationConfigHolder) Get() CompensationConfig {
	return h.current.Load().(CompensationConfig)
}
