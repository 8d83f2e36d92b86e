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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/penny-vault/import-cvm/common"
	"github.com/penny-vault/import-cvm/observability/opentelemetry"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultTimeout = 30 * time.Second

// PayloadCache stores raw downloads keyed by locator
type PayloadCache interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte) error
}

// Fetcher downloads and parses a single month of the daily report
type Fetcher struct {
	client   *http.Client
	endpoint string
	tempDir  string
	cache    PayloadCache
	now      func() time.Time
}

type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client (which has a DefaultTimeout timeout)
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

func WithEndpoint(endpoint string) FetcherOption {
	return func(f *Fetcher) {
		if endpoint != "" {
			f.endpoint = endpoint
		}
	}
}

// WithTempDir sets the parent directory used while unpacking yearly archives
func WithTempDir(dir string) FetcherOption {
	return func(f *Fetcher) {
		f.tempDir = dir
	}
}

// WithCache caches yearly archives. Monthly files are republished by CVM and never cached.
func WithCache(cache PayloadCache) FetcherOption {
	return func(f *Fetcher) {
		f.cache = cache
	}
}

func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.now = now
	}
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: DefaultTimeout},
		endpoint: DefaultEndpoint,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Tomorrow returns the first day for which no data can have been published yet
func Tomorrow(now time.Time) time.Time {
	local := now.In(common.GetTimezone())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// FetchMonth downloads the data for the month of date. Dates on or before LastZippedDate
// are read from the yearly archive; unless fullYear is set the archive is filtered down to
// the requested month. Failures never escape: they are logged and reported in the result.
func (f *Fetcher) FetchMonth(ctx context.Context, date time.Time, fullYear bool) MonthResult {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "cvm.FetchMonth")
	defer span.End()

	date = truncateDay(date)
	task := FetchTask{
		Date:     date,
		Zipped:   IsZipped(date),
		FullYear: fullYear,
	}
	res := MonthResult{Task: task}

	subLog := log.With().Object("Task", task).Logger()

	if date.Before(FirstValidDate) || !date.Before(Tomorrow(f.now())) {
		subLog.Debug().Msg("date outside of published window; skipping")
		res.Skipped = true
		return res
	}

	res.URL = ResolveURL(f.endpoint, date, task.Zipped)
	span.SetAttributes(
		attribute.String("Url", res.URL),
		attribute.Bool("Zipped", task.Zipped),
	)
	subLog = subLog.With().Str("Url", res.URL).Logger()

	var records []Record
	var err error
	if task.Zipped {
		records, res.Checksum, err = f.fetchArchive(ctx, res.URL, date, fullYear)
	} else {
		records, res.Checksum, err = f.fetchFile(ctx, res.URL)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		var retrievalErr *RetrievalError
		switch {
		case errors.As(err, &retrievalErr) && retrievalErr.StatusCode != 0:
			subLog.Warn().Int("HTTPResponseStatusCode", retrievalErr.StatusCode).Msg("service unavailable; try again later")
		case errors.Is(err, ErrParse):
			subLog.Warn().Err(err).Msg("could not parse cvm data")
		default:
			subLog.Warn().Err(err).Msg("could not retrieve cvm data")
		}
		res.Err = err
		return res
	}

	subLog.Info().Int("NumRecords", len(records)).Str("Checksum", res.Checksum).Msg("fetched cvm data")
	res.Records = records
	return res
}

func (f *Fetcher) fetchFile(ctx context.Context, url string) ([]Record, string, error) {
	body, err := f.download(ctx, url)
	if err != nil {
		return nil, "", err
	}

	records, err := Parse(ctx, body)
	if err != nil {
		return nil, "", withSource(err, path.Base(url))
	}
	return records, checksum(body), nil
}

// fetchArchive downloads a yearly archive and parses the csv files it contains. Unless
// fullYear is set only the member for the month of date is read, falling back to every member
// filtered to that month when the archive has no per-month file. A member that cannot be read
// is logged and left out; the archive only fails when no member could be read. The archive is
// unpacked inside a temporary directory that is removed before returning.
func (f *Fetcher) fetchArchive(ctx context.Context, url string, date time.Time, fullYear bool) ([]Record, string, error) {
	body, cached := f.cachedArchive(url)
	if !cached {
		var err error
		body, err = f.download(ctx, url)
		if err != nil {
			return nil, "", err
		}
	}

	workDir, err := os.MkdirTemp(f.tempDir, "import-cvm-")
	if err != nil {
		return nil, "", &RetrievalError{URL: url, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Error().Err(err).Str("Dir", workDir).Msg("could not remove temporary directory")
		}
	}()

	archiveFn := filepath.Join(workDir, path.Base(url))
	if err := os.WriteFile(archiveFn, body, 0600); err != nil {
		return nil, "", &RetrievalError{URL: url, Err: err}
	}

	zr, err := zip.OpenReader(archiveFn)
	if err != nil {
		return nil, "", &RetrievalError{URL: url, Err: fmt.Errorf("unpack archive: %w", err)}
	}
	defer zr.Close()

	members := make([]*zip.File, 0, len(zr.File))
	for _, file := range zr.File {
		if file.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(file.Name), ".csv") {
			continue
		}
		members = append(members, file)
	}

	if !fullYear {
		monthFn := MonthFilename(date)
		for _, file := range members {
			if strings.EqualFold(path.Base(file.Name), monthFn) {
				members = []*zip.File{file}
				break
			}
		}
	}

	records := make([]Record, 0)
	var firstErr error
	var numRead int
	for _, file := range members {
		monthly, err := parseMember(ctx, url, file)
		if err != nil {
			log.Warn().Err(err).Str("Url", url).Str("Member", file.Name).Msg("skipping archive member")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		numRead++
		records = append(records, monthly...)
	}

	if numRead == 0 && firstErr != nil {
		return nil, "", firstErr
	}

	if !fullYear {
		records = filterMonth(records, date)
	}

	// only archives that unpacked are worth keeping around
	if !cached && f.cache != nil {
		if err := f.cache.Set(url, body); err != nil {
			log.Warn().Err(err).Str("Url", url).Msg("could not cache archive")
		}
	}

	return records, checksum(body), nil
}

func parseMember(ctx context.Context, url string, file *zip.File) ([]Record, error) {
	payload, err := readZipFile(file)
	if err != nil {
		return nil, &RetrievalError{URL: url, Err: fmt.Errorf("unpack %s: %w", file.Name, err)}
	}

	records, err := Parse(ctx, payload)
	if err != nil {
		return nil, withSource(err, file.Name)
	}
	return records, nil
}

func (f *Fetcher) cachedArchive(url string) ([]byte, bool) {
	if f.cache == nil {
		return nil, false
	}
	body, err := f.cache.Get(url)
	if err != nil || len(body) == 0 {
		return nil, false
	}
	log.Debug().Str("Url", url).Msg("archive loaded from cache")
	return body, true
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RetrievalError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &RetrievalError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RetrievalError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetrievalError{URL: url, Err: err}
	}
	return body, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func filterMonth(records []Record, date time.Time) []Record {
	filtered := make([]Record, 0, len(records)/12+1)
	for _, rec := range records {
		if sameMonth(rec.Date, date) {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

func withSource(err error, source string) error {
	var parseErr *ParseError
	if errors.As(err, &parseErr) && parseErr.Source == "" {
		parseErr.Source = source
	}
	return err
}

func checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
