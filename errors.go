// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cylindra

import (
	"errors"
	"fmt"
)

// Kind classifies the errors the engine can return across its embedding
// boundary. Callers should compare against the Err* sentinels with
// errors.Is, not against Kind values directly.
type Kind int

const (
	// KindInternal marks an unreachable bug path. Never intentionally
	// triggered; if observed, the engine's invariants have been violated.
	KindInternal Kind = iota

	// KindNotFound marks a missing node or delta.
	KindNotFound

	// KindDuplicateID marks a put of an id that already exists in strict mode.
	KindDuplicateID

	// KindSerialization marks malformed bytes or a version mismatch.
	KindSerialization

	// KindStorage marks an I/O or durability failure.
	KindStorage

	// KindChainInvariant marks a delta append or compaction that violated
	// chain ordering rules.
	KindChainInvariant

	// KindInvalidQuery marks a malformed query predicate.
	KindInvalidQuery

	// KindInvalidRectangle marks a malformed minimum bounding rectangle.
	KindInvalidRectangle

	// KindQueryTimeout marks a query that exceeded its deadline.
	KindQueryTimeout

	// KindEngineClosed marks an operation attempted on a non-Open engine.
	KindEngineClosed
)

// String returns a lowercase, stable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindNotFound:
		return "not_found"
	case KindDuplicateID:
		return "duplicate_id"
	case KindSerialization:
		return "serialization"
	case KindStorage:
		return "storage"
	case KindChainInvariant:
		return "chain_invariant"
	case KindInvalidQuery:
		return "invalid_query"
	case KindInvalidRectangle:
		return "invalid_rectangle"
	case KindQueryTimeout:
		return "query_timeout"
	case KindEngineClosed:
		return "engine_closed"
	default:
		return "unknown"
	}
}

// Error is the tagged error value that crosses the embedding boundary. It
// always carries a Kind and, where applicable, a wrapped cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "node_store.put"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cylindra: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("cylindra: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error, preserving the Kind for errors.Is comparisons
// against the sentinels below.
func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel errors. Compare with errors.Is; each wraps (via Kind) to its
// matching constant above.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrSerialization     = errors.New("serialization failure")
	ErrStorage           = errors.New("storage failure")
	ErrChainInvariant    = errors.New("chain invariant violation")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrInvalidRectangle  = errors.New("invalid rectangle")
	ErrQueryTimeout      = errors.New("query deadline exceeded")
	ErrEngineClosed      = errors.New("engine is closed or closing")
	ErrInternal          = errors.New("internal error")
)

// sentinelFor returns the sentinel matching a Kind, for use by Is().
func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindDuplicateID:
		return ErrDuplicateID
	case KindSerialization:
		return ErrSerialization
	case KindStorage:
		return ErrStorage
	case KindChainInvariant:
		return ErrChainInvariant
	case KindInvalidQuery:
		return ErrInvalidQuery
	case KindInvalidRectangle:
		return ErrInvalidRectangle
	case KindQueryTimeout:
		return ErrQueryTimeout
	case KindEngineClosed:
		return ErrEngineClosed
	default:
		return ErrInternal
	}
}

// Is allows errors.Is(err, cylindra.ErrNotFound) etc. to succeed against an
// *Error whose Kind maps to that sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(sentinelFor(e.Kind), target)
}
