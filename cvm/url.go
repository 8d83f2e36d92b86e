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
	"fmt"
	"strings"
	"time"
)

// ResolveURL returns the locator for the file that holds date. Monthly files are named
// inf_diario_fi_YYYYMM.csv; the yearly archives live under HIST/ as inf_diario_fi_YYYY.zip
func ResolveURL(endpoint string, date time.Time, zipped bool) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if zipped {
		return fmt.Sprintf("%s/%s/%s%s.zip", endpoint, HistorySegment, FilenamePrefix, date.Format(yearLayout))
	}
	return fmt.Sprintf("%s/%s", endpoint, MonthFilename(date))
}

// MonthFilename is the name of the monthly file for date, both on the portal and inside the
// yearly archives
func MonthFilename(date time.Time) string {
	return fmt.Sprintf("%s%s.csv", FilenamePrefix, date.Format(monthLayout))
}

// IsZipped returns true if date is only available from the yearly archives
func IsZipped(date time.Time) bool {
	return !truncateDay(date).After(LastZippedDate)
}
