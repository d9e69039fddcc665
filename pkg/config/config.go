/*
Copyright The Divolte Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the collector configuration from a YAML file with
// environment variable overrides (prefix DIVOLTE, dots and dashes replaced
// by underscores).
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the collector configuration consumed by the sinks.
type Config struct {
	// SessionTimeout is the session length; the session binning strategy
	// also uses it as the round width.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// SchemaPath points at the Avro schema JSON describing the records.
	SchemaPath  string            `mapstructure:"schema_path"`
	HdfsFlusher HdfsFlusherConfig `mapstructure:"hdfs_flusher"`
}

// HdfsFlusherConfig configures the HDFS flusher and its file strategy.
type HdfsFlusherConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Strategy          string        `mapstructure:"strategy"`
	Replication       int           `mapstructure:"replication"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	SessionBinning SessionBinningConfig `mapstructure:"session_binning"`
	SimpleRolling  SimpleRollingConfig  `mapstructure:"simple_rolling"`
}

// Strategy names accepted in HdfsFlusherConfig.Strategy.
const (
	StrategySessionBinning = "session_binning"
	StrategySimpleRolling  = "simple_rolling"
)

// SessionBinningConfig configures the session binning file strategy.
type SessionBinningConfig struct {
	Dir                   string        `mapstructure:"dir"`
	SyncFileAfterDuration time.Duration `mapstructure:"sync_file_after_duration"`
	SyncFileAfterRecords  int           `mapstructure:"sync_file_after_records"`
}

// SimpleRollingConfig configures the simple rolling file strategy.
type SimpleRollingConfig struct {
	WorkingDir            string        `mapstructure:"working_dir"`
	PublishDir            string        `mapstructure:"publish_dir"`
	RollEvery             time.Duration `mapstructure:"roll_every"`
	SyncFileAfterDuration time.Duration `mapstructure:"sync_file_after_duration"`
	SyncFileAfterRecords  int           `mapstructure:"sync_file_after_records"`
}

// GlobalConfig holds the currently loaded configuration; it is refreshed in
// place when the file changes on disk.
type GlobalConfig struct {
	conf *Config
	lock *sync.RWMutex
}

// Get returns a copy of the current configuration.
func (g *GlobalConfig) Get() Config {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return *g.conf
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session_timeout", 30*time.Minute)
	v.SetDefault("schema_path", "/etc/divolte/record.avsc")
	v.SetDefault("hdfs_flusher.enabled", true)
	v.SetDefault("hdfs_flusher.strategy", StrategySessionBinning)
	v.SetDefault("hdfs_flusher.replication", 3)
	v.SetDefault("hdfs_flusher.queue_capacity", 4096)
	v.SetDefault("hdfs_flusher.heartbeat_interval", time.Second)
	v.SetDefault("hdfs_flusher.session_binning.dir", "/divolte")
	v.SetDefault("hdfs_flusher.session_binning.sync_file_after_duration", 30*time.Second)
	v.SetDefault("hdfs_flusher.session_binning.sync_file_after_records", 1000)
	v.SetDefault("hdfs_flusher.simple_rolling.working_dir", "/divolte/working")
	v.SetDefault("hdfs_flusher.simple_rolling.publish_dir", "/divolte/published")
	v.SetDefault("hdfs_flusher.simple_rolling.roll_every", time.Hour)
	v.SetDefault("hdfs_flusher.simple_rolling.sync_file_after_duration", 30*time.Second)
	v.SetDefault("hdfs_flusher.simple_rolling.sync_file_after_records", 1000)
}

// LoadConfig reads divolte.yaml from the given directory (falling back to
// defaults when the file is absent) and keeps watching it for changes.
func LoadConfig(configDir string, onErrorReloading func(error)) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigName("divolte")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("DIVOLTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load configuration file. %w", err)
		}
		fileFound = false
	}

	r := &GlobalConfig{
		lock: new(sync.RWMutex),
	}
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration file. %w", err)
	}
	r.conf = conf

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			cf := &Config{}
			if err := v.Unmarshal(cf); err != nil {
				onErrorReloading(err)
				return
			}
			r.lock.Lock()
			defer r.lock.Unlock()
			r.conf = cf
		})
	}
	return r, nil
}
