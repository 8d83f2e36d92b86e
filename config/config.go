// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the explicit configuration of import-cvm. Values are read by viper
// (config file, environment, command line flags) and decoded into Config; keys that do not
// map to a field are rejected.
package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	ProgramName = "import-cvm"

	// DefaultEndpoint mirrors cvm.DefaultEndpoint; cvm imports config through common so it
	// cannot be referenced here
	DefaultEndpoint = "http://dados.cvm.gov.br/dados/FI/DOC/INF_DIARIO/DADOS"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	CVM      CVM      `mapstructure:"cvm"`
	Database Database `mapstructure:"database"`
	Cache    Cache    `mapstructure:"cache"`
	Log      Log      `mapstructure:"log"`
	Server   Server   `mapstructure:"server"`
	Schedule Schedule `mapstructure:"schedule"`
	OTLP     OTLP     `mapstructure:"otlp"`
}

// CVM configures access to the open data portal
type CVM struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Workers is the number of concurrent downloads; 0 uses one per CPU
	Workers int `mapstructure:"workers"`

	// MemoryWarningMonths is the size of an in-memory fetch that triggers a warning
	MemoryWarningMonths int `mapstructure:"memory_warning_months"`

	// TempDir is where yearly archives are unpacked; empty uses the OS default
	TempDir string `mapstructure:"temp_dir"`
}

// Database configures the PostgreSQL store. URL takes precedence over the individual fields.
type Database struct {
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Name           string        `mapstructure:"name"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryWrites    bool          `mapstructure:"retry_writes"`
	BatchSize      int           `mapstructure:"batch_size"`
}

type Cache struct {
	Enabled   bool          `mapstructure:"enabled"`
	Redis     bool          `mapstructure:"redis"`
	RedisURL  string        `mapstructure:"redis_url"`
	LocalSize int           `mapstructure:"local_size"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type Log struct {
	Level        string `mapstructure:"level"`
	Output       string `mapstructure:"output"`
	Pretty       bool   `mapstructure:"pretty"`
	ReportCaller bool   `mapstructure:"report_caller"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Schedule struct {
	// Update is a standard 5 field cron expression evaluated in the Sao Paulo timezone
	Update string `mapstructure:"update"`
}

type OTLP struct {
	Endpoint string            `mapstructure:"endpoint"`
	HTTP     bool              `mapstructure:"http"`
	Headers  map[string]string `mapstructure:"headers"`
}

// Default returns the configuration used when no value is supplied
func Default() *Config {
	return &Config{
		CVM: CVM{
			BaseURL:             DefaultEndpoint,
			Timeout:             30 * time.Second,
			Workers:             0,
			MemoryWarningMonths: 24,
		},
		Database: Database{
			Host:           "localhost",
			Port:           5432,
			Name:           "bzfunds",
			ConnectTimeout: 2500 * time.Millisecond,
			RetryWrites:    true,
			BatchSize:      1000,
		},
		Cache: Cache{
			LocalSize: 16,
			TTL:       7 * 24 * time.Hour,
		},
		Log: Log{
			Level:  "warning",
			Output: "stdout",
		},
		Server: Server{
			Port: 3000,
		},
		Schedule: Schedule{
			Update: "0 22 * * 1-5",
		},
		OTLP: OTLP{
			Headers: map[string]string{},
		},
	}
}

// SetDefaults registers every default with v so that env bindings and `config init` see the
// complete key set
func SetDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("cvm.base_url", def.CVM.BaseURL)
	v.SetDefault("cvm.timeout", def.CVM.Timeout)
	v.SetDefault("cvm.workers", def.CVM.Workers)
	v.SetDefault("cvm.memory_warning_months", def.CVM.MemoryWarningMonths)
	v.SetDefault("cvm.temp_dir", def.CVM.TempDir)

	v.SetDefault("database.url", def.Database.URL)
	v.SetDefault("database.host", def.Database.Host)
	v.SetDefault("database.port", def.Database.Port)
	v.SetDefault("database.name", def.Database.Name)
	v.SetDefault("database.username", def.Database.Username)
	v.SetDefault("database.password", def.Database.Password)
	v.SetDefault("database.connect_timeout", def.Database.ConnectTimeout)
	v.SetDefault("database.retry_writes", def.Database.RetryWrites)
	v.SetDefault("database.batch_size", def.Database.BatchSize)

	v.SetDefault("cache.enabled", def.Cache.Enabled)
	v.SetDefault("cache.redis", def.Cache.Redis)
	v.SetDefault("cache.redis_url", def.Cache.RedisURL)
	v.SetDefault("cache.local_size", def.Cache.LocalSize)
	v.SetDefault("cache.ttl", def.Cache.TTL)

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.output", def.Log.Output)
	v.SetDefault("log.pretty", def.Log.Pretty)
	v.SetDefault("log.report_caller", def.Log.ReportCaller)

	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("schedule.update", def.Schedule.Update)

	v.SetDefault("otlp.endpoint", def.OTLP.Endpoint)
	v.SetDefault("otlp.http", def.OTLP.HTTP)
}

// Load decodes the viper tree into a Config. Keys unknown to Config are an error.
func Load(v *viper.Viper) (*Config, error) {
	conf := Default()
	if err := v.UnmarshalExact(conf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (conf *Config) Validate() error {
	switch {
	case conf.CVM.BaseURL == "":
		return fmt.Errorf("%w: cvm.base_url must not be empty", ErrInvalidConfig)
	case conf.CVM.Timeout <= 0:
		return fmt.Errorf("%w: cvm.timeout must be positive", ErrInvalidConfig)
	case conf.CVM.Workers < 0:
		return fmt.Errorf("%w: cvm.workers must not be negative", ErrInvalidConfig)
	case conf.Database.BatchSize <= 0:
		return fmt.Errorf("%w: database.batch_size must be positive", ErrInvalidConfig)
	case conf.Cache.Enabled && conf.Cache.LocalSize <= 0:
		return fmt.Errorf("%w: cache.local_size must be positive", ErrInvalidConfig)
	case conf.Cache.Enabled && conf.Cache.Redis && conf.Cache.RedisURL == "":
		return fmt.Errorf("%w: cache.redis_url is required when cache.redis is set", ErrInvalidConfig)
	}

	if conf.Cache.Enabled && conf.Cache.Redis {
		if _, err := redis.ParseURL(conf.Cache.RedisURL); err != nil {
			return fmt.Errorf("%w: cache.redis_url: %v", ErrInvalidConfig, err)
		}
	}

	if _, err := cron.ParseStandard(conf.Schedule.Update); err != nil {
		return fmt.Errorf("%w: schedule.update: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DSN returns the connection string for the database
func (db Database) DSN() string {
	if db.URL != "" {
		return db.URL
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s", db.Host, db.Port, db.Name)
	if db.Username != "" {
		dsn += fmt.Sprintf(" user=%s", db.Username)
	}
	if db.Password != "" {
		dsn += fmt.Sprintf(" password=%s", db.Password)
	}
	return dsn
}

// Write serializes conf as TOML. Durations are written in their string form so the file
// can be read back by Load.
func (conf *Config) Write(w io.Writer) error {
	doc := map[string]interface{}{
		"cvm": map[string]interface{}{
			"base_url":              conf.CVM.BaseURL,
			"timeout":               conf.CVM.Timeout.String(),
			"workers":               conf.CVM.Workers,
			"memory_warning_months": conf.CVM.MemoryWarningMonths,
			"temp_dir":              conf.CVM.TempDir,
		},
		"database": map[string]interface{}{
			"url":             conf.Database.URL,
			"host":            conf.Database.Host,
			"port":            conf.Database.Port,
			"name":            conf.Database.Name,
			"username":        conf.Database.Username,
			"password":        conf.Database.Password,
			"connect_timeout": conf.Database.ConnectTimeout.String(),
			"retry_writes":    conf.Database.RetryWrites,
			"batch_size":      conf.Database.BatchSize,
		},
		"cache": map[string]interface{}{
			"enabled":    conf.Cache.Enabled,
			"redis":      conf.Cache.Redis,
			"redis_url":  conf.Cache.RedisURL,
			"local_size": conf.Cache.LocalSize,
			"ttl":        conf.Cache.TTL.String(),
		},
		"log": map[string]interface{}{
			"level":         conf.Log.Level,
			"output":        conf.Log.Output,
			"pretty":        conf.Log.Pretty,
			"report_caller": conf.Log.ReportCaller,
		},
		"server": map[string]interface{}{
			"port": conf.Server.Port,
		},
		"schedule": map[string]interface{}{
			"update": conf.Schedule.Update,
		},
		"otlp": map[string]interface{}{
			"endpoint": conf.OTLP.Endpoint,
			"http":     conf.OTLP.HTTP,
		},
	}

	return toml.NewEncoder(w).Encode(doc)
}
