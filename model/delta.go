// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"fmt"
	"time"

	"github.com/cylindra-db/cylindra/value"
)

// OpKind identifies which DeltaOperation variant an Operation carries
// (spec.md §3, "DeltaOperation (sum type)").
type OpKind int

const (
	// OpSetValue replaces (or creates) a leaf value at Path.
	OpSetValue OpKind = iota
	// OpDeleteValue removes a leaf value at Path.
	OpDeleteValue
	// OpArrayInsert inserts New into the array at Path, at Index.
	OpArrayInsert
	// OpArrayDelete removes the array element at Path, Index.
	OpArrayDelete
	// OpTextPatch replaces a string leaf at Path with the result of
	// applying Patch to its previous value.
	OpTextPatch
)

func (k OpKind) String() string {
	switch k {
	case OpSetValue:
		return "set_value"
	case OpDeleteValue:
		return "delete_value"
	case OpArrayInsert:
		return "array_insert"
	case OpArrayDelete:
		return "array_delete"
	case OpTextPatch:
		return "text_patch"
	default:
		return "unknown"
	}
}

// TextPatch carries a minimal, reversible edit script between two string
// values, encoded as bare unified-diff hunks (built by internal/deltaengine's
// own line-level LCS; github.com/sourcegraph/go-diff only parses them when
// the patch is applied).
type TextPatch struct {
	// Unified holds the forward unified-diff text (old -> new).
	Unified string
	// OldLen and NewLen are rune counts of the pre- and post-image,
	// carried so Reverse and validation don't need to re-derive them from
	// the diff text.
	OldLen int
	NewLen int
}

// Operation is a single reversible change within a DeltaRecord. Every
// operation carries enough information (an Old pre-image where relevant)
// to be reversed without consulting any other state (spec.md §3).
type Operation struct {
	Kind  OpKind
	Path  Path
	New   value.Value // SetValue, ArrayInsert
	Old   value.Value // SetValue (optional), DeleteValue, ArrayDelete
	Index int         // ArrayInsert, ArrayDelete
	Patch TextPatch   // TextPatch
}

// SetValue builds a SetValue operation. old may be value.Null() when the
// path previously didn't exist (a creation, not a replacement).
func SetValue(path Path, newV, oldV value.Value) Operation {
	return Operation{Kind: OpSetValue, Path: path, New: newV, Old: oldV}
}

// DeleteValue builds a DeleteValue operation, carrying the removed value as
// its pre-image.
func DeleteValue(path Path, oldV value.Value) Operation {
	return Operation{Kind: OpDeleteValue, Path: path, Old: oldV}
}

// ArrayInsertOp builds an ArrayInsert operation.
func ArrayInsertOp(path Path, index int, newV value.Value) Operation {
	return Operation{Kind: OpArrayInsert, Path: path, Index: index, New: newV}
}

// ArrayDeleteOp builds an ArrayDelete operation, carrying the removed
// element as its pre-image.
func ArrayDeleteOp(path Path, index int, oldV value.Value) Operation {
	return Operation{Kind: OpArrayDelete, Path: path, Index: index, Old: oldV}
}

// TextPatchOp builds a TextPatch operation.
func TextPatchOp(path Path, patch TextPatch) Operation {
	return Operation{Kind: OpTextPatch, Path: path, Patch: patch}
}

// Apply applies the operation to content, returning the resulting tree.
// content is not mutated.
func (op Operation) Apply(content value.Value) (value.Value, error) {
	switch op.Kind {
	case OpSetValue:
		return Set(content, op.Path, op.New)
	case OpDeleteValue:
		return Delete(content, op.Path)
	case OpArrayInsert:
		return InsertAt(content, op.Path, op.Index, op.New)
	case OpArrayDelete:
		return DeleteArrayIndex(content, op.Path, op.Index)
	case OpTextPatch:
		return applyTextPatch(content, op.Path, op.Patch)
	default:
		return value.Null(), fmt.Errorf("%w: unknown op kind %d", ErrTypeMismatch, op.Kind)
	}
}

// Reverse returns the operation that undoes op, used by the reversibility
// testable property (spec.md §8 invariant 3). It is purely structural; the
// caller is responsible for applying reversed operations in reverse order.
func (op Operation) Reverse() Operation {
	switch op.Kind {
	case OpSetValue:
		return Operation{Kind: OpSetValue, Path: op.Path, New: op.Old, Old: op.New}
	case OpDeleteValue:
		return Operation{Kind: OpSetValue, Path: op.Path, New: op.Old, Old: value.Null()}
	case OpArrayInsert:
		return Operation{Kind: OpArrayDelete, Path: op.Path, Index: op.Index, Old: op.New}
	case OpArrayDelete:
		return Operation{Kind: OpArrayInsert, Path: op.Path, Index: op.Index, New: op.Old}
	case OpTextPatch:
		return Operation{Kind: OpTextPatch, Path: op.Path, Patch: reverseTextPatch(op.Patch)}
	default:
		return op
	}
}

// DeltaRecord is the ordered set of reversible operations transforming one
// version of a node's content into the next (spec.md §3).
type DeltaRecord struct {
	DeltaID         ID
	NodeID          ID
	Timestamp       time.Time
	PreviousDeltaID *ID
	Operations      []Operation
	Metadata        value.Value
}

// Apply replays every operation in order against content, returning the
// resulting tree.
func (d DeltaRecord) Apply(content value.Value) (value.Value, error) {
	cur := content
	var err error
	for i, op := range d.Operations {
		cur, err = op.Apply(cur)
		if err != nil {
			return value.Null(), fmt.Errorf("delta %s op %d (%s %s): %w", d.DeltaID, i, op.Kind, op.Path, err)
		}
	}
	return cur, nil
}

// Reverse applies reverse(op_k) ∘ ... ∘ reverse(op_1) to content, the
// reversibility law from spec.md §8 invariant 3.
func (d DeltaRecord) Reverse(content value.Value) (value.Value, error) {
	cur := content
	var err error
	for i := len(d.Operations) - 1; i >= 0; i-- {
		cur, err = d.Operations[i].Reverse().Apply(cur)
		if err != nil {
			return value.Null(), fmt.Errorf("delta %s reverse op %d: %w", d.DeltaID, i, err)
		}
	}
	return cur, nil
}

// Empty reports whether the delta carries no operations (diffing identical
// contents produces an empty-ops delta, per spec.md §8 boundary behavior).
func (d DeltaRecord) Empty() bool { return len(d.Operations) == 0 }

// Checkpoint is a materialized content snapshot at a specific timestamp,
// used to short-circuit replay (spec.md §3). Checkpoints are created only
// by the optimizer, never directly by users.
type Checkpoint struct {
	NodeID    ID
	Timestamp time.Time
	Content   value.Value
}
