// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerkv

import (
	"context"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ValidateRequiresPathUnlessInMemory(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.validate())

	cfg.InMemory = true
	assert.NoError(t, cfg.validate())

	cfg = Config{Path: "/tmp/cylindra-test"}
	assert.NoError(t, cfg.validate())
}

func TestOpenDB_InMemoryWithTxnRoundTrip(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))

	var got []byte
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			got = append([]byte(nil), val...)
			return nil
		})
	}))
	assert.Equal(t, "v", string(got))
}

func TestDB_CloseIsIdempotent(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.NoError(t, db.Close())
}
