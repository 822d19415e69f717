// Package config loads the ingestion engine's settings.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/transitops/ingestd/errors"
)

// Config holds every tunable the ingestion engine needs. Loading from files
// and environment is intentionally thin — the domain logic only ever sees
// this typed struct.
type Config struct {
	// Upstream feed
	APIURL  string        `mapstructure:"api_url"`
	Agencies []string     `mapstructure:"agencies"`

	// QuotaMeter (§4.1)
	QuotaWindow time.Duration `mapstructure:"quota_window"`
	QuotaBytes  int64         `mapstructure:"quota_bytes"`

	// LockRegistry (§4.2)
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	LockStep    time.Duration `mapstructure:"lock_step"`
	LockExpiry  time.Duration `mapstructure:"lock_expiry"`
	RedisAddr   string        `mapstructure:"redis_addr"`

	// Stop coalescing (§4.5)
	SameStopLat float64 `mapstructure:"same_stop_lat"`
	SameStopLon float64 `mapstructure:"same_stop_lon"`

	// UpstreamClient (§4.3)
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`

	// Eviction (§4.6)
	PredictionsMaxAge time.Duration `mapstructure:"predictions_max_age"`
	LocationsMaxAge   time.Duration `mapstructure:"locations_max_age"`

	// Scheduler (§4.7)
	RefreshAgenciesInterval        time.Duration `mapstructure:"refresh_agencies_interval"`
	RefreshRoutesInterval          time.Duration `mapstructure:"refresh_routes_interval"`
	RefreshPredictionsInterval     time.Duration `mapstructure:"refresh_predictions_interval"`
	RefreshVehicleLocationsInterval time.Duration `mapstructure:"refresh_vehicle_locations_interval"`
	EvictInterval                  time.Duration `mapstructure:"evict_interval"`

	// Store
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Defaults mirrors the cadence table in spec.md §4.7 and the limits in §6.
func Defaults() *Config {
	return &Config{
		APIURL:                          "http://webservices.nextbus.com/service/publicXMLFeed",
		Agencies:                        nil,
		QuotaWindow:                     20 * time.Second,
		QuotaBytes:                      2 * 1024 * 1024,
		LockTimeout:                     30 * time.Second,
		LockStep:                        500 * time.Millisecond,
		LockExpiry:                      25 * time.Second,
		RedisAddr:                       "localhost:6379",
		SameStopLat:                     0.005,
		SameStopLon:                     0.005,
		MaxConcurrentRequests:           50,
		PredictionsMaxAge:               10 * time.Minute,
		LocationsMaxAge:                 10 * time.Minute,
		RefreshAgenciesInterval:         7 * 24 * time.Hour,
		RefreshRoutesInterval:           24 * time.Hour,
		RefreshPredictionsInterval:      9 * time.Second,
		RefreshVehicleLocationsInterval: 4 * time.Second,
		EvictInterval:                   5 * time.Minute,
		SQLitePath:                      "ingestd.db",
	}
}

// keys lists every mapstructure tag Config declares, in the order fields
// appear above. Binding each one individually (rather than relying on
// AutomaticEnv alone) is what makes Unmarshal see environment overrides:
// viper only resolves env vars for keys it already knows about.
var keys = []string{
	"api_url", "agencies",
	"quota_window", "quota_bytes",
	"lock_timeout", "lock_step", "lock_expiry", "redis_addr",
	"same_stop_lat", "same_stop_lon",
	"max_concurrent_requests",
	"predictions_max_age", "locations_max_age",
	"refresh_agencies_interval", "refresh_routes_interval",
	"refresh_predictions_interval", "refresh_vehicle_locations_interval",
	"evict_interval",
	"sqlite_path",
}

// Load reads settings from an optional config file at path (if non-empty),
// overridden by INGESTD_-prefixed environment variables, layered on top of
// Defaults().
func Load(path string) (*Config, error) {
	defaults := Defaults()

	v := viper.New()
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "bind env for %s", key)
		}
	}

	if err := v.MergeConfigMap(defaultsToMap(defaults)); err != nil {
		return nil, errors.Wrap(err, "seed config defaults")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return cfg, nil
}

func defaultsToMap(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"api_url":                             cfg.APIURL,
		"agencies":                            cfg.Agencies,
		"quota_window":                        cfg.QuotaWindow,
		"quota_bytes":                         cfg.QuotaBytes,
		"lock_timeout":                        cfg.LockTimeout,
		"lock_step":                           cfg.LockStep,
		"lock_expiry":                         cfg.LockExpiry,
		"redis_addr":                          cfg.RedisAddr,
		"same_stop_lat":                       cfg.SameStopLat,
		"same_stop_lon":                       cfg.SameStopLon,
		"max_concurrent_requests":             cfg.MaxConcurrentRequests,
		"predictions_max_age":                 cfg.PredictionsMaxAge,
		"locations_max_age":                   cfg.LocationsMaxAge,
		"refresh_agencies_interval":           cfg.RefreshAgenciesInterval,
		"refresh_routes_interval":             cfg.RefreshRoutesInterval,
		"refresh_predictions_interval":        cfg.RefreshPredictionsInterval,
		"refresh_vehicle_locations_interval":  cfg.RefreshVehicleLocationsInterval,
		"evict_interval":                      cfg.EvictInterval,
		"sqlite_path":                         cfg.SQLitePath,
	}
}
