// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := initLogger(&buf, "kegstat", "debug", "json")
	require.NoError(t, err)

	logger.Debug().Str("tap", "tap0").Msg("Flow started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kegstat", entry["app"])
	assert.Equal(t, "tap0", entry["tap"])
	assert.Equal(t, "debug", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestInitLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := initLogger(&buf, "kegstat", "warn", "json")
	require.NoError(t, err)

	logger.Info().Msg("quiet")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("loud")
	assert.NotZero(t, buf.Len())
}

func TestInitLoggerSetsGlobal(t *testing.T) {
	var buf bytes.Buffer
	_, err := initLogger(&buf, "kegstat", "", "console")
	require.NoError(t, err)

	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "kegstat")
}

func TestInitLoggerRejectsBadInput(t *testing.T) {
	_, err := initLogger(&bytes.Buffer{}, "kegstat", "loud", "json")
	assert.Error(t, err)
	_, err = initLogger(&bytes.Buffer{}, "kegstat", "info", "xml")
	assert.Error(t, err)
}
