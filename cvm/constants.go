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

import "time"

const (
	// DefaultEndpoint is the CVM open-data directory for daily fund reports (Informe Diário)
	DefaultEndpoint = "http://dados.cvm.gov.br/dados/FI/DOC/INF_DIARIO/DADOS"

	FilenamePrefix = "inf_diario_fi_"
	HistorySegment = "HIST"

	monthLayout = "200601"
	yearLayout  = "2006"
	DateLayout  = "2006-01-02"

	Delimiter = ';'
)

var (
	// LastZippedDate is the last day only available from the yearly archives. Dates after it
	// are published as one file per month.
	LastZippedDate = time.Date(2016, time.December, 31, 0, 0, 0, 0, time.UTC)

	// FirstValidDate is the earliest date CVM has data for
	FirstValidDate = time.Date(2005, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Canonical column names
const (
	ColumnDate           = "date"
	ColumnFundID         = "fund_id"
	ColumnFundType       = "fund_type"
	ColumnTotalPortfolio = "total_portfolio"
	ColumnNAV            = "nav"
	ColumnTotalEquity    = "total_equity"
	ColumnSubscriptions  = "subscriptions"
	ColumnRedemptions    = "redemptions"
	ColumnNumShareholder = "n_shareholders"
)

// CanonicalColumns lists the canonical schema in output order
var CanonicalColumns = []string{
	ColumnDate,
	ColumnFundID,
	ColumnFundType,
	ColumnTotalPortfolio,
	ColumnNAV,
	ColumnTotalEquity,
	ColumnSubscriptions,
	ColumnRedemptions,
	ColumnNumShareholder,
}

// ColumnMap renames upstream headers to the canonical schema. CVM renamed some of the
// headers when funds were split into classes (CVM resolution 175); both spellings are accepted.
var ColumnMap = map[string]string{
	"TP_FUNDO":          ColumnFundType,
	"TP_FUNDO_CLASSE":   ColumnFundType,
	"CNPJ_FUNDO":        ColumnFundID,
	"CNPJ_FUNDO_CLASSE": ColumnFundID,
	"DT_COMPTC":         ColumnDate,
	"VL_TOTAL":          ColumnTotalPortfolio,
	"VL_QUOTA":          ColumnNAV,
	"VL_PATRIM_LIQ":     ColumnTotalEquity,
	"CAPTC_DIA":         ColumnSubscriptions,
	"RESG_DIA":          ColumnRedemptions,
	"NR_COTST":          ColumnNumShareholder,
}
