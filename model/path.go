// Copyright (C) 2025 Cylindra Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package model

import (
	"fmt"

	"github.com/cylindra-db/cylindra/value"
)

// PathToken is one step of a Path: either a map field name or an array
// index.
type PathToken struct {
	Field   string
	Index   int
	IsIndex bool
}

// Field builds a field-name token.
func Field(name string) PathToken { return PathToken{Field: name} }

// Index builds an array-index token.
func Index(i int) PathToken { return PathToken{Index: i, IsIndex: true} }

// Path is an ordered sequence of field-name or array-index tokens locating
// a value within a content tree (spec.md §3).
type Path []PathToken

func (p Path) String() string {
	s := ""
	for _, t := range p {
		if t.IsIndex {
			s += fmt.Sprintf("[%d]", t.Index)
		} else {
			s += "." + t.Field
		}
	}
	return s
}

// Get resolves a path against root, returning the value found there.
func Get(root value.Value, path Path) (value.Value, error) {
	cur := root
	for _, tok := range path {
		if tok.IsIndex {
			arr, ok := cur.AsArray()
			if !ok {
				return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
			}
			if tok.Index < 0 || tok.Index >= len(arr) {
				return value.Null(), fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
			cur = arr[tok.Index]
		} else {
			m, ok := cur.AsMap()
			if !ok {
				return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
			}
			v, found := m[tok.Field]
			if !found {
				return value.Null(), fmt.Errorf("%w: %s", ErrPathNotFound, path)
			}
			cur = v
		}
	}
	return cur, nil
}

// Set returns a new tree identical to root except the value at path is
// replaced by v. A missing (null) intermediate container along the path
// is created: a map for a field token, an array for an index token (which
// then accepts only index 0). root is not mutated.
func Set(root value.Value, path Path, v value.Value) (value.Value, error) {
	if len(path) == 0 {
		return v, nil
	}
	return setAt(root, path, v)
}

func setAt(cur value.Value, path Path, v value.Value) (value.Value, error) {
	tok := path[0]
	rest := path[1:]

	if tok.IsIndex {
		arr, ok := cur.AsArray()
		if !ok {
			if cur.IsNull() {
				arr = nil
			} else {
				return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
			}
		}
		if tok.Index < 0 || tok.Index > len(arr) {
			return value.Null(), fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		newArr := make([]value.Value, len(arr))
		copy(newArr, arr)
		var err error
		if tok.Index == len(arr) {
			newArr = append(newArr, value.Null())
		}
		if len(rest) == 0 {
			newArr[tok.Index] = v
		} else {
			newArr[tok.Index], err = setAt(newArr[tok.Index], rest, v)
			if err != nil {
				return value.Null(), err
			}
		}
		return value.Array(newArr...), nil
	}

	m, ok := cur.AsMap()
	if !ok {
		if cur.IsNull() {
			m = nil
		} else {
			return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
		}
	}
	newMap := make(map[string]value.Value, len(m)+1)
	for k, mv := range m {
		newMap[k] = mv
	}
	if len(rest) == 0 {
		newMap[tok.Field] = v
	} else {
		child := newMap[tok.Field]
		var err error
		newMap[tok.Field], err = setAt(child, rest, v)
		if err != nil {
			return value.Null(), err
		}
	}
	return value.Map(newMap), nil
}

// Delete returns a new tree identical to root except the value at path is
// removed (deleting a map key, or splicing an array index out).
func Delete(root value.Value, path Path) (value.Value, error) {
	if len(path) == 0 {
		return value.Null(), nil
	}
	return deleteAt(root, path)
}

func deleteAt(cur value.Value, path Path) (value.Value, error) {
	tok := path[0]
	rest := path[1:]

	if tok.IsIndex {
		arr, ok := cur.AsArray()
		if !ok {
			return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
		}
		if tok.Index < 0 || tok.Index >= len(arr) {
			return value.Null(), fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		if len(rest) == 0 {
			newArr := make([]value.Value, 0, len(arr)-1)
			newArr = append(newArr, arr[:tok.Index]...)
			newArr = append(newArr, arr[tok.Index+1:]...)
			return value.Array(newArr...), nil
		}
		newArr := make([]value.Value, len(arr))
		copy(newArr, arr)
		var err error
		newArr[tok.Index], err = deleteAt(newArr[tok.Index], rest)
		if err != nil {
			return value.Null(), err
		}
		return value.Array(newArr...), nil
	}

	m, ok := cur.AsMap()
	if !ok {
		return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
	}
	if _, found := m[tok.Field]; !found {
		return value.Null(), fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	newMap := make(map[string]value.Value, len(m))
	for k, mv := range m {
		newMap[k] = mv
	}
	if len(rest) == 0 {
		delete(newMap, tok.Field)
	} else {
		var err error
		newMap[tok.Field], err = deleteAt(newMap[tok.Field], rest)
		if err != nil {
			return value.Null(), err
		}
	}
	return value.Map(newMap), nil
}

// InsertAt returns a new tree identical to root except v is inserted into
// the array at the given path, at the given index (elements at and after
// index shift right).
func InsertAt(root value.Value, path Path, index int, v value.Value) (value.Value, error) {
	arr, err := Get(root, path)
	if err != nil && len(path) > 0 {
		return value.Null(), err
	}
	elems, ok := arr.AsArray()
	if !ok {
		if len(path) == 0 && arr.IsNull() {
			elems = nil
		} else if !arr.IsNull() {
			return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
		}
	}
	if index < 0 || index > len(elems) {
		return value.Null(), fmt.Errorf("%w: %s[%d]", ErrPathNotFound, path, index)
	}
	newElems := make([]value.Value, 0, len(elems)+1)
	newElems = append(newElems, elems[:index]...)
	newElems = append(newElems, v)
	newElems = append(newElems, elems[index:]...)
	return Set(root, path, value.Array(newElems...))
}

// DeleteArrayIndex returns a new tree identical to root except the element
// at path[index] is removed from the array.
func DeleteArrayIndex(root value.Value, path Path, index int) (value.Value, error) {
	arr, err := Get(root, path)
	if err != nil {
		return value.Null(), err
	}
	elems, ok := arr.AsArray()
	if !ok {
		return value.Null(), fmt.Errorf("%w: %s", ErrTypeMismatch, path)
	}
	if index < 0 || index >= len(elems) {
		return value.Null(), fmt.Errorf("%w: %s[%d]", ErrPathNotFound, path, index)
	}
	newElems := make([]value.Value, 0, len(elems)-1)
	newElems = append(newElems, elems[:index]...)
	newElems = append(newElems, elems[index+1:]...)
	return Set(root, path, value.Array(newElems...))
}
