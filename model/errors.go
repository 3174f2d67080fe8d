// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import "errors"

// Sentinel errors for model-level validation. The engine facade wraps
// these into the public Kind taxonomy (KindInvalidQuery / KindStorage /
// KindChainInvariant as appropriate) rather than leaking package-private
// errors across the embedding boundary.
var (
	// ErrInvalidPosition indicates r < 0 or θ outside [0, 2π).
	ErrInvalidPosition = errors.New("model: invalid position")

	// ErrInvalidConnection indicates a connection strength outside [0, 1].
	ErrInvalidConnection = errors.New("model: invalid connection")

	// ErrChainMismatch indicates a delta's node_id doesn't match the chain
	// it's being appended to.
	ErrChainMismatch = errors.New("model: delta node_id mismatch")

	// ErrChainOutOfOrder indicates a delta's previous_delta_id doesn't
	// equal the chain head, or its timestamp doesn't strictly increase.
	ErrChainOutOfOrder = errors.New("model: delta out of chain order")

	// ErrPathNotFound indicates an operation's path doesn't resolve
	// against the content it's being applied to.
	ErrPathNotFound = errors.New("model: path not found")

	// ErrTypeMismatch indicates an operation's path resolves to a value of
	// an unexpected kind (e.g. ArrayInsert against a non-array).
	ErrTypeMismatch = errors.New("model: type mismatch at path")
)
