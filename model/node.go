// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package model defines the immutable record types the engine stores and
// indexes: Node, Connection, DeltaRecord, DeltaOperation, and Checkpoint
// (spec.md §3).
package model

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/value"
)

// ID is the opaque 128-bit node/delta identifier, backed by uuid.UUID for
// globally-unique ids.
type ID = uuid.UUID

// NewID generates a fresh random 128-bit identifier.
func NewID() ID { return uuid.New() }

// ZeroID is the all-zero id, used as a sentinel for "no id".
var ZeroID = uuid.Nil

// Connection is a directed, weighted edge from a node to another node.
type Connection struct {
	TargetID ID
	Kind     string
	Strength float64 // ∈ [0, 1]
	Metadata value.Value
}

// Valid reports whether the connection's strength is within range.
func (c Connection) Valid() bool {
	return c.Strength >= 0 && c.Strength <= 1
}

// Node is the immutable logical record indexed by the engine. Nodes are
// created by put, mutated only through update (which appends a delta), and
// destroyed by delete (spec.md §3, "Lifecycles").
type Node struct {
	ID               ID
	Content          value.Value
	Position         coordinate.Position
	Connections      []Connection
	OriginReference  *ID
	DeltaInformation value.Value
	Metadata         value.Value
}

// Validate checks the node invariants from spec.md §3: r >= 0, θ
// normalized into [0, 2π), and well-formed connections.
func (n Node) Validate() error {
	if !n.Position.Valid() {
		return fmt.Errorf("%w: position %+v out of range", ErrInvalidPosition, n.Position)
	}
	for i, c := range n.Connections {
		if !c.Valid() {
			return fmt.Errorf("%w: connection %d strength %f out of [0,1]", ErrInvalidConnection, i, c.Strength)
		}
	}
	return nil
}

// Clone performs a deep copy of n, safe to mutate independently.
func (n Node) Clone() Node {
	out := n
	out.Content = value.Clone(n.Content)
	out.DeltaInformation = value.Clone(n.DeltaInformation)
	out.Metadata = value.Clone(n.Metadata)
	if n.OriginReference != nil {
		ref := *n.OriginReference
		out.OriginReference = &ref
	}
	if n.Connections != nil {
		out.Connections = make([]Connection, len(n.Connections))
		for i, c := range n.Connections {
			cc := c
			cc.Metadata = value.Clone(c.Metadata)
			out.Connections[i] = cc
		}
	}
	return out
}
