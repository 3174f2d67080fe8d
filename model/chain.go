// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import "fmt"

// ChainHead describes the current tip of a node's delta chain, as tracked
// by the chain manager (internal/deltaengine) without needing to load the
// full chain.
type ChainHead struct {
	NodeID    ID
	DeltaID   ID
	HasDelta  bool // false iff the chain is empty (only origin content exists)
	Timestamp int64
}

// ValidateAppend checks the append rule from spec.md §4.6.2: delta.NodeID
// must match the chain, delta.PreviousDeltaID must equal the current head
// (or be nil iff the chain is empty), and delta.Timestamp must strictly
// exceed the head's timestamp.
func ValidateAppend(head ChainHead, delta DeltaRecord) error {
	if delta.NodeID != head.NodeID {
		return fmt.Errorf("%w: delta for %s appended to chain %s", ErrChainMismatch, delta.NodeID, head.NodeID)
	}
	if !head.HasDelta {
		if delta.PreviousDeltaID != nil {
			return fmt.Errorf("%w: first delta must have nil previous_delta_id", ErrChainOutOfOrder)
		}
		return nil
	}
	if delta.PreviousDeltaID == nil || *delta.PreviousDeltaID != head.DeltaID {
		return fmt.Errorf("%w: previous_delta_id does not match chain head %s", ErrChainOutOfOrder, head.DeltaID)
	}
	if delta.Timestamp.UnixNano() <= head.Timestamp {
		return fmt.Errorf("%w: timestamp %s does not strictly exceed head timestamp", ErrChainOutOfOrder, delta.Timestamp)
	}
	return nil
}
