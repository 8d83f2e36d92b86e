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

package handler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/penny-vault/import-cvm/cvm"
	"github.com/penny-vault/import-cvm/observability/opentelemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// FundStore is the read side of the record store
type FundStore interface {
	cvm.QueryableStore
	LatestDate(ctx context.Context) (time.Time, error)
}

type Funds struct {
	store    FundStore
	schedule cron.Schedule
	tz       *time.Location
	now      func() time.Time
}

type LatestResponse struct {
	Date       string `json:"date" example:"2022-06-17"`
	NextUpdate string `json:"next_update,omitempty" example:"2022-06-17T22:00:00-03:00"`
}

type FundsOption func(*Funds)

// WithSchedule reports the next run of the update schedule, evaluated in tz, from Latest
func WithSchedule(schedule cron.Schedule, tz *time.Location) FundsOption {
	return func(h *Funds) {
		h.schedule = schedule
		h.tz = tz
	}
}

func WithClock(now func() time.Time) FundsOption {
	return func(h *Funds) {
		h.now = now
	}
}

func NewFunds(store FundStore, opts ...FundsOption) *Funds {
	h := &Funds{
		store: store,
		tz:    time.UTC,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Query returns the records matching the fund, start and end query parameters. fund accepts
// a comma separated list; at least one filter is required. With format=csv the response is
// the ';' delimited canonical payload.
func (h *Funds) Query(c *fiber.Ctx) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(c.UserContext(), "handler.Funds.Query")
	defer span.End()
	span.SetAttributes(opentelemetry.SpanAttributesFromFiber(c)...)

	fundIDs := splitFunds(utils.CopyString(c.Query("fund")))
	startStr := c.Query("start")
	endStr := c.Query("end")

	subLog := log.With().Strs("FundIDs", fundIDs).Str("StartStr", startStr).Str("EndStr", endStr).Logger()

	if len(fundIDs) == 0 && startStr == "" && endStr == "" {
		subLog.Warn().Msg("refusing unfiltered query")
		return fiber.NewError(fiber.StatusBadRequest, "at least one of fund, start or end is required")
	}

	start, err := parseDate(startStr)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not parse start date")
		return fiber.NewError(fiber.StatusBadRequest, "start must be formatted as YYYY-MM-DD")
	}

	end, err := parseDate(endStr)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not parse end date")
		return fiber.NewError(fiber.StatusBadRequest, "end must be formatted as YYYY-MM-DD")
	}

	records, err := cvm.QueryData(ctx, h.store, fundIDs, start, end)
	if errors.Is(err, cvm.ErrInvalidRange) {
		return fiber.NewError(fiber.StatusBadRequest, "end must not be before start")
	}
	if err != nil {
		subLog.Error().Err(err).Msg("query failed")
		return fiber.ErrInternalServerError
	}
	span.SetAttributes(attribute.Int("NumRecords", len(records)))

	if c.Query("format") == "csv" {
		var buf bytes.Buffer
		if err := cvm.Encode(&buf, records); err != nil {
			subLog.Error().Err(err).Msg("could not encode records")
			return fiber.ErrInternalServerError
		}
		c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
		return c.Send(buf.Bytes())
	}

	return c.JSON(records)
}

// Latest returns the most recent date in the store
func (h *Funds) Latest(c *fiber.Ctx) error {
	latest, err := h.store.LatestDate(c.UserContext())
	if errors.Is(err, cvm.ErrNoData) {
		return fiber.NewError(fiber.StatusNotFound, "no data has been downloaded yet")
	}
	if err != nil {
		log.Error().Err(err).Msg("could not read latest date")
		return fiber.ErrInternalServerError
	}

	resp := LatestResponse{Date: latest.Format(cvm.DateLayout)}
	if h.schedule != nil {
		resp.NextUpdate = h.schedule.Next(h.now().In(h.tz)).Format(time.RFC3339)
	}
	return c.JSON(resp)
}

func splitFunds(param string) []string {
	if param == "" {
		return nil
	}

	fundIDs := make([]string, 0, 1)
	for _, id := range strings.Split(param, ",") {
		if id = strings.TrimSpace(id); id != "" {
			fundIDs = append(fundIDs, id)
		}
	}
	return fundIDs
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(cvm.DateLayout, s)
}
