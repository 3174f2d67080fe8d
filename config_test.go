// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cylindra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cylindra-db/cylindra/internal/codec"
)

func TestDefaultConfig_ValidatesAsIs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InMemory = true
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_RequiresStorageDirUnlessInMemory(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestConfig_Validate_RejectsInvalidSerializationFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.SerializationFormat = "xml"
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsNonPositiveTemporalResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.TemporalResolution = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_FillsZeroDefaults(t *testing.T) {
	cfg := Config{InMemory: true, TemporalResolution: 1}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "binary", cfg.SerializationFormat)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, 8, cfg.RTreeMaxEntries)
	assert.Equal(t, 2, cfg.RTreeMinEntries)
	assert.NotZero(t, cfg.DistanceWeights)
}

func TestConfig_codecFormat_DefaultsToBinaryOnBadFormat(t *testing.T) {
	cfg := Config{SerializationFormat: "not-a-format"}
	assert.Equal(t, codec.FormatBinary, cfg.codecFormat())
}
