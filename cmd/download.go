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
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	downloadUpdate bool
	downloadSince  int
)

func init() {
	downloadCmd.Flags().BoolVar(&downloadUpdate, "update", false, "Only download data newer than the latest date in the database")
	downloadCmd.Flags().IntVar(&downloadSince, "since", 0, "First year to download when not updating")
	rootCmd.AddCommand(downloadCmd)
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the daily fund report into the database",
	Long: `Download the daily fund report published by CVM and upsert it into the database.
Either --update or --since must be given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, pool := openStore(ctx)
		defer pool.Close()

		cache, err := newCache()
		if err != nil {
			return err
		}
		defer closeCache(cache)

		opts := cvm.DownloadOptions{
			UpdateOnly: downloadUpdate,
			SinceYear:  downloadSince,
		}
		if err := cvm.DownloadData(ctx, newHistory(cache), store, opts); err != nil {
			log.Error().Err(err).Bool("Update", downloadUpdate).Int("Since", downloadSince).Msg("download failed")
			return err
		}
		log.Info().Msg("download finished")
		return nil
	},
}
