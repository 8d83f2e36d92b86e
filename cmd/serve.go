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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/penny-vault/import-cvm/common"
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/penny-vault/import-cvm/database"
	"github.com/penny-vault/import-cvm/handler"
	"github.com/penny-vault/import-cvm/middleware"
	"github.com/penny-vault/import-cvm/router"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveNoSchedule bool

func init() {
	viper.BindEnv("server.port", "PORT")
	serveCmd.Flags().IntP("port", "p", 3000, "Port to run application server on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	viper.BindEnv("schedule.update", "IMPORT_CVM_SCHEDULE")
	serveCmd.Flags().String("schedule", "0 22 * * 1-5", "Cron expression (Sao Paulo time) of the daily update")
	viper.BindPFlag("schedule.update", serveCmd.Flags().Lookup("schedule"))

	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "Serve the api without running scheduled updates")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the import-cvm server",
	Long:  `Run HTTP server that exposes the stored fund reports and keeps them up to date`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		store, pool := openStore(ctx)
		defer pool.Close()

		// Create new Fiber instance
		app := fiber.New(fiber.Config{
			AppName:               "import-cvm",
			DisableStartupMessage: true,
			JSONEncoder:           json.Marshal,
			JSONDecoder:           json.Unmarshal,
		})

		// shutdown cleanly on interrupt
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigs // block until signal is read
			log.Info().Str("Signal", sig.String()).Msg("received signal; shutting down")
			cancel()
			if err := app.Shutdown(); err != nil {
				log.Error().Err(err).Msg("could not shutdown server")
			}
		}()

		// Configure CORS
		app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowHeaders: "*",
			AllowMethods: "GET,HEAD",
		}))

		// Setup logging middleware
		app.Use(middleware.NewLogger())

		var funds *handler.Funds
		if serveNoSchedule {
			funds = handler.NewFunds(store)
		} else {
			cache, err := newCache()
			if err != nil {
				log.Fatal().Err(err).Msg("could not create payload cache")
			}
			defer closeCache(cache)

			schedule, err := cron.ParseStandard(conf.Schedule.Update)
			if err != nil {
				log.Fatal().Err(err).Str("Schedule", conf.Schedule.Update).Msg("invalid update schedule")
			}

			scheduler, err := scheduleUpdates(ctx, store, cache, schedule)
			if err != nil {
				log.Fatal().Err(err).Str("Schedule", conf.Schedule.Update).Msg("could not schedule updates")
			}
			defer scheduler.Stop()

			funds = handler.NewFunds(store, handler.WithSchedule(schedule, common.GetTimezone()))
		}

		// Setup routes
		router.SetupRoutes(app, funds)

		addr := fmt.Sprintf(":%d", conf.Server.Port)
		log.Info().Str("Addr", addr).Msg("starting server")
		if err := app.Listen(addr); err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	},
}

// scheduleUpdates runs an incremental download on conf.Schedule.Update. The expression is
// evaluated in the Sao Paulo timezone and runs never overlap.
func scheduleUpdates(ctx context.Context, store *database.Store, cache *common.Cache, schedule cron.Schedule) (*gocron.Scheduler, error) {
	tz := common.GetTimezone()

	scheduler := gocron.NewScheduler(tz)
	scheduler.SingletonModeAll()
	_, err := scheduler.Cron(conf.Schedule.Update).Do(func() {
		start := time.Now()
		err := cvm.DownloadData(ctx, newHistory(cache), store, cvm.DownloadOptions{UpdateOnly: true})
		next := schedule.Next(time.Now().In(tz))
		if err != nil {
			log.Error().Err(err).Time("NextRun", next).Msg("scheduled update failed")
			return
		}
		log.Info().Dur("Elapsed", time.Since(start)).Time("NextRun", next).Msg("scheduled update finished")
	})
	if err != nil {
		return nil, err
	}

	scheduler.StartAsync()
	log.Info().Str("Schedule", conf.Schedule.Update).Time("NextRun", schedule.Next(time.Now().In(tz))).Msg("scheduled updates")
	return scheduler, nil
}
