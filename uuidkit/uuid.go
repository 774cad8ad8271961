// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

// Package uuidkit provides the 128-bit identifier type used to name
// targets throughout the provider.
package uuidkit

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the default error class for malformed UUIDs.
var Error = errs.Class("uuid")

// UUID is a 128-bit identifier, rendered canonically as a 36-character
// hex-with-dashes string. Equality and hashing are byte-wise.
type UUID uuid.UUID

// Nil is the zero-value UUID.
var Nil UUID

// New generates a fresh random (v4) UUID.
func New() (UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Nil, Error.Wrap(err)
	}
	return UUID(id), nil
}

// Parse decodes the canonical hex-with-dashes representation of a UUID.
func Parse(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, Error.Wrap(err)
	}
	return UUID(id), nil
}

// String renders the UUID in canonical hex-with-dashes form.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the nil UUID.
func (id UUID) IsZero() bool {
	return id == Nil
}

// MarshalJSON implements json.Marshaler.
func (id UUID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *UUID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return Error.Wrap(err)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Error.Wrap(err)
	}
	*id = UUID(u)
	return nil
}

// Value implements driver.Valuer for use in test doubles that persist
// through database/sql-shaped stores.
func (id UUID) Value() (driver.Value, error) {
	return id.String(), nil
}
