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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	queryFunds  []string
	queryStart  string
	queryEnd    string
	queryFormat string
)

func init() {
	queryCmd.Flags().StringSliceVar(&queryFunds, "fund", nil, "Fund CNPJ to return, may be repeated or comma separated")
	queryCmd.Flags().StringVar(&queryStart, "start", "", "First date to return specified as YYYY-MM-DD")
	queryCmd.Flags().StringVar(&queryEnd, "end", "", "Last date to return specified as YYYY-MM-DD")
	queryCmd.Flags().StringVar(&queryFormat, "format", "json", "Output format one of: json, csv")
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print stored records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		start, err := parseFlagDate("start", queryStart)
		if err != nil {
			return err
		}
		end, err := parseFlagDate("end", queryEnd)
		if err != nil {
			return err
		}

		store, pool := openStore(ctx)
		defer pool.Close()

		records, err := cvm.QueryData(ctx, store, queryFunds, start, end)
		if err != nil {
			return err
		}
		log.Info().Int("NumRecords", len(records)).Msg("query finished")

		switch strings.ToLower(queryFormat) {
		case "csv":
			return cvm.Encode(os.Stdout, records)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		default:
			return fmt.Errorf("unknown output format %q", queryFormat)
		}
	},
}

func parseFlagDate(name, val string) (time.Time, error) {
	if val == "" {
		return time.Time{}, nil
	}
	dt, err := time.Parse(cvm.DateLayout, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be formatted as YYYY-MM-DD: %w", name, err)
	}
	return dt, nil
}
