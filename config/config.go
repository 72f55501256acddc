// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the process configuration from a config file and
// environment variables.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Environment string                 `mapstructure:"environment"`
	Worker      WorkerConfig           `mapstructure:"worker"`
	Health      HealthConfig           `mapstructure:"health"`
	Queues      []pgmq.QueueDefinition `mapstructure:"queues"`
}

// WorkerConfig tunes the consumer side. Profiles differ mainly here:
// production runs wider concurrency and slower health sampling than
// development or test.
type WorkerConfig struct {
	MaxConcurrentJobs         int           `mapstructure:"max_concurrent_jobs"`
	HealthCheckInterval       time.Duration `mapstructure:"health_check_interval"`
	MetricsCollectionInterval time.Duration `mapstructure:"metrics_collection_interval"`
	DeadLetterQueueEnabled    bool          `mapstructure:"dead_letter_queue_enabled"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "JOBRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "worker.max_concurrent_jobs"
// becomes "JOBRUNNER_WORKER_MAX_CONCURRENT_JOBS".
func Load() (*Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("JOBRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	applyProfile(cfg)
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueues()
	}
	for _, def := range cfg.Queues {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("invalid queue configuration: %w", err)
		}
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Environment: "development",
		Worker: WorkerConfig{
			MaxConcurrentJobs:         10,
			HealthCheckInterval:       30 * time.Second,
			MetricsCollectionInterval: 30 * time.Second,
			DeadLetterQueueEnabled:    true,
		},
		Health: HealthConfig{
			Port: 8090,
		},
	}
}

// applyProfile adjusts tunables for the named environment. Explicit env
// overrides still win because they were already unmarshalled.
func applyProfile(cfg *Config) {
	switch cfg.Environment {
	case "production":
		if cfg.Worker.MaxConcurrentJobs < 20 {
			cfg.Worker.MaxConcurrentJobs = 20
		}
	case "test":
		cfg.Worker.MaxConcurrentJobs = 2
		cfg.Worker.HealthCheckInterval = time.Second
		cfg.Worker.MetricsCollectionInterval = time.Second
	}
}

// DefaultQueues is the standard three-queue topology.
func DefaultQueues() []pgmq.QueueDefinition {
	return []pgmq.QueueDefinition{
		{
			Name:              "file_processing",
			Type:              pgmq.QueueTypeStandard,
			VisibilityTimeout: 5 * time.Minute,
			BatchSize:         5,
			MaxRetries:        3,
			RetryDelay:        time.Minute,
			LongPolling:       true,
			Priority:          5,
		},
		{
			Name:              "embeddings",
			Type:              pgmq.QueueTypeStandard,
			VisibilityTimeout: 10 * time.Minute,
			BatchSize:         3,
			MaxRetries:        5,
			RetryDelay:        2 * time.Minute,
			LongPolling:       true,
			Priority:          3,
		},
		{
			Name:              "notifications",
			Type:              pgmq.QueueTypeStandard,
			VisibilityTimeout: time.Minute,
			BatchSize:         10,
			MaxRetries:        0,
			RetryDelay:        0,
			LongPolling:       false,
			Priority:          7,
		},
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
