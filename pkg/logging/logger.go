// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the root logger for app, installs it as the zerolog
// global logger, and returns it. Format is "console" or "json"; level is a
// zerolog level name, empty meaning info.
func InitLogger(app, level, format string) (zerolog.Logger, error) {
	return initLogger(os.Stderr, app, level, format)
}

func initLogger(out io.Writer, app, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}

	var w io.Writer
	switch strings.ToLower(format) {
	case "", "console":
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	case "json":
		w = out
	default:
		return zerolog.Nop(), fmt.Errorf("log format %q: must be console or json", format)
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger, nil
}
