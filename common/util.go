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

package common

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/penny-vault/import-cvm/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

var (
	tzOnce sync.Once
	tz     *time.Location
)

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warning": zerolog.WarnLevel,
	"warn":    zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
	"panic":   zerolog.PanicLevel,
}

// SetupLogging configures the global zerolog logger. Unknown levels fall back to warning.
// When output is a file path the returned closer must be closed on exit.
func SetupLogging(conf config.Log) (io.Closer, error) {
	level, ok := logLevels[strings.ToLower(conf.Level)]
	if !ok {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch conf.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		fh, err := os.OpenFile(conf.Output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		out = fh
		closer = fh
	}

	if conf.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	log.Logger = log.Output(out)

	if conf.ReportCaller {
		log.Logger = log.With().Caller().Logger()
	}

	// setup stack marshaler
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	log.Debug().Str("Level", level.String()).Msg("logging configured")
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// GetTimezone returns the timezone CVM publishes in
func GetTimezone() *time.Location {
	tzOnce.Do(func() {
		var err error
		tz, err = time.LoadLocation("America/Sao_Paulo") // Sao Paulo is the reference time
		if err != nil {
			log.Panic().Err(err).Msg("could not load timezone")
		}
	})
	return tz
}
