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

package cvm

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	imports "github.com/rocketlaunchr/dataframe-go/imports"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

var (
	errNoDelimiter  = errors.New("header does not contain the ';' delimiter")
	errNoDateColumn = errors.New("payload has no DT_COMPTC column")

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

var canonicalSet = func() map[string]bool {
	m := make(map[string]bool, len(CanonicalColumns))
	for _, col := range CanonicalColumns {
		m[col] = true
	}
	return m
}()

// Parse converts a ';' delimited daily report into records sorted by date. Headers are
// renamed to the canonical schema; unknown columns are dropped and missing ones are left at
// their zero value. Only structural problems are errors: a row without a usable date is
// skipped and an invalid value is zeroed, both with a warning.
func Parse(ctx context.Context, payload []byte) ([]Record, error) {
	if !utf8.Valid(payload) {
		// older files are published in ISO-8859-1
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		payload = decoded
	}
	payload = bytes.TrimPrefix(payload, utf8BOM)

	header, body := splitHeader(payload)
	if !bytes.ContainsRune(header, Delimiter) {
		return nil, &ParseError{Err: errNoDelimiter}
	}

	columns, hasDate := renameColumns(string(header))
	if !hasDate {
		return nil, &ParseError{Err: errNoDateColumn}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return []Record{}, nil
	}

	renamed := bytes.NewBufferString(strings.Join(columns, string(Delimiter)))
	renamed.WriteByte('\n')
	renamed.Write(body)

	// every column is loaded as text; values are converted row by row below
	df, err := imports.LoadFromCSV(ctx, bytes.NewReader(renamed.Bytes()), imports.CSVLoadOptions{
		Comma: Delimiter,
	})
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	colIdx := make(map[string]int, len(CanonicalColumns))
	for _, col := range CanonicalColumns {
		if idx, err := df.NameToColumn(col); err == nil {
			colIdx[col] = idx
		}
	}

	value := func(col string, row int) string {
		idx, ok := colIdx[col]
		if !ok {
			return ""
		}
		return stringValue(df.Series[idx].Value(row))
	}

	nrows := df.NRows()
	records := make([]Record, 0, nrows)
	var skipped, zeroed int
	for row := 0; row < nrows; row++ {
		line := row + 2
		raw := value(ColumnDate, row)
		dt, err := time.Parse(DateLayout, raw)
		if err != nil {
			log.Warn().Int("Line", line).Str("Column", ColumnDate).Str("Value", raw).Msg("skipping row without a valid date")
			skipped++
			continue
		}

		rec := Record{
			Date:     dt,
			FundID:   value(ColumnFundID, row),
			FundType: value(ColumnFundType, row),
		}

		invalid := func(col, val string) {
			log.Warn().Int("Line", line).Str("Column", col).Str("Value", val).Str("FundID", rec.FundID).Msg("invalid value; using zero")
			zeroed++
		}

		decimals := []struct {
			col string
			dst *decimal.Decimal
		}{
			{ColumnTotalPortfolio, &rec.TotalPortfolio},
			{ColumnNAV, &rec.NAV},
			{ColumnTotalEquity, &rec.TotalEquity},
			{ColumnSubscriptions, &rec.Subscriptions},
			{ColumnRedemptions, &rec.Redemptions},
		}
		for _, dec := range decimals {
			s := value(dec.col, row)
			if s == "" {
				continue
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				invalid(dec.col, s)
				continue
			}
			*dec.dst = d
		}

		// some files write the shareholder count as 3.0
		if s := value(ColumnNumShareholder, row); s != "" {
			d, err := decimal.NewFromString(s)
			if err != nil || !d.Equal(d.Truncate(0)) {
				invalid(ColumnNumShareholder, s)
			} else {
				rec.NumShareholder = d.IntPart()
			}
		}

		records = append(records, rec)
	}

	if skipped > 0 || zeroed > 0 {
		log.Warn().Int("NumSkippedRows", skipped).Int("NumZeroedValues", zeroed).Int("NumRecords", len(records)).Msg("payload contained invalid rows")
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})

	return records, nil
}

// Encode writes records as a ';' delimited payload using the canonical headers. The output
// can be read back with Parse.
func Encode(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	writer.Comma = Delimiter

	if err := writer.Write(CanonicalColumns); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.Date.Format(DateLayout),
			rec.FundID,
			rec.FundType,
			rec.TotalPortfolio.String(),
			rec.NAV.String(),
			rec.TotalEquity.String(),
			rec.Subscriptions.String(),
			rec.Redemptions.String(),
			strconv.FormatInt(rec.NumShareholder, 10),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func splitHeader(payload []byte) ([]byte, []byte) {
	idx := bytes.IndexByte(payload, '\n')
	if idx == -1 {
		return bytes.TrimRight(payload, "\r"), nil
	}
	return bytes.TrimRight(payload[:idx], "\r"), payload[idx+1:]
}

// renameColumns maps the upstream header to canonical names. Unknown and duplicate columns
// get placeholder names so the frame can still be loaded.
func renameColumns(header string) ([]string, bool) {
	raw := strings.Split(header, string(Delimiter))
	columns := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	hasDate := false

	for idx, col := range raw {
		col = strings.Trim(strings.TrimSpace(col), `"`)
		name, ok := ColumnMap[strings.ToUpper(col)]
		if !ok && canonicalSet[strings.ToLower(col)] {
			name, ok = strings.ToLower(col), true
		}
		if !ok || seen[name] {
			columns[idx] = fmt.Sprintf("ignored_%d", idx)
			continue
		}
		seen[name] = true
		columns[idx] = name
		if name == ColumnDate {
			hasDate = true
		}
	}

	return columns, hasDate
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case *string:
		if val == nil {
			return ""
		}
		return strings.TrimSpace(*val)
	default:
		return ""
	}
}
