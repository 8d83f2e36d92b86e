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

package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/penny-vault/import-cvm/common"
	"github.com/penny-vault/import-cvm/config"
	"github.com/penny-vault/import-cvm/observability/opentelemetry"
	"github.com/penny-vault/import-cvm/pkginfo"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfgErr  error
	conf    *config.Config

	logCloser     io.Closer
	traceShutdown func(context.Context) error
)

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/import-cvm/import-cvm.toml)")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url"))

	// CVM
	viper.BindEnv("cvm.base_url", "CVM_BASE_URL")
	rootCmd.PersistentFlags().String("cvm-base-url", config.DefaultEndpoint, "Base url of the daily report files")
	viper.BindPFlag("cvm.base_url", rootCmd.PersistentFlags().Lookup("cvm-base-url"))

	viper.BindEnv("cvm.workers", "CVM_WORKERS")
	rootCmd.PersistentFlags().Int("workers", 0, "Number of concurrent downloads, 0 uses one per CPU")
	viper.BindPFlag("cvm.workers", rootCmd.PersistentFlags().Lookup("workers"))

	// Cache
	viper.BindEnv("cache.redis_url", "REDIS_URL")

	// Logging configuration
	viper.BindEnv("log.level", "IMPORT_CVM_LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-level", "warning", "Logging level")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.BindEnv("log.report_caller", "IMPORT_CVM_LOG_REPORT_CALLER")
	rootCmd.PersistentFlags().Bool("log-report-caller", false, "Log function name that called log statement")
	viper.BindPFlag("log.report_caller", rootCmd.PersistentFlags().Lookup("log-report-caller"))

	viper.BindEnv("log.output", "IMPORT_CVM_LOG_OUTPUT")
	rootCmd.PersistentFlags().String("log-output", "stdout", "Write logs to specified output one of: file path, `stdout`, or `stderr`")
	viper.BindPFlag("log.output", rootCmd.PersistentFlags().Lookup("log-output"))

	viper.BindEnv("log.pretty", "IMPORT_CVM_LOG_PRETTY")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "Write human readable logs instead of json")
	viper.BindPFlag("log.pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))

	// Tracing
	viper.BindEnv("otlp.endpoint", "OTLP_ENDPOINT")
}

func initViper() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(config.ProgramName)
		viper.SetConfigType("toml")
		viper.AddConfigPath("/etc/import-cvm/")
		viper.AddConfigPath("$HOME/.config/import-cvm")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			cfgErr = err
		}
	}
}

// setup loads the configuration and starts logging and tracing
func setup(cmd *cobra.Command, args []string) {
	if cfgErr != nil {
		log.Fatal().Err(cfgErr).Msg("could not read config file")
	}

	var err error
	conf, err = config.Load(viper.GetViper())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logCloser, err = common.SetupLogging(conf.Log)
	if err != nil {
		log.Fatal().Err(err).Str("Output", conf.Log.Output).Msg("could not open log output")
	}
	log.Info().Str("ConfigFile", viper.ConfigFileUsed()).Msg("initialized logging")

	traceShutdown, err = opentelemetry.Setup(cmd.Context(), conf.OTLP)
	if err != nil {
		log.Fatal().Err(err).Msg("could not setup opentelemetry")
	}
}

func teardown(cmd *cobra.Command, args []string) {
	if traceShutdown != nil {
		if err := traceShutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("could not flush traces")
		}
	}
	if logCloser != nil {
		logCloser.Close()
	}
}

var rootCmd = &cobra.Command{
	Use:               pkginfo.ProgramName,
	Version:           pkginfo.Version,
	Short:             "Import the CVM daily fund report",
	Long:              `Download the daily report of Brazilian investment funds published by CVM, store it in PostgreSQL and serve it over HTTP.`,
	PersistentPreRun:  setup,
	PersistentPostRun: teardown,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
