// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package codec

import (
	"github.com/google/uuid"

	"github.com/cylindra-db/cylindra/coordinate"
	"github.com/cylindra-db/cylindra/model"
	"github.com/cylindra-db/cylindra/value"
)

func valueFromAny(raw interface{}) value.Value {
	return value.FromAny(raw)
}

func parseID(s string) (model.ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return model.ID{}, &ErrTruncated{Field: "id:" + s}
	}
	return id, nil
}

func coordinateFromFields(t, r, theta float64) coordinate.Position {
	return coordinate.New(t, r, theta)
}
