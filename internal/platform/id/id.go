// Package id generates identifiers for locally created records.
//
// Canonical identifiers are assigned by the backend; this package only mints
// provisional identifiers and stream identifiers, both derived from random
// UUIDs encoded as 26-character lowercase base32 strings.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks identifiers minted locally for optimistic records.
// The backend never issues identifiers with this prefix, so the two id
// spaces cannot collide.
const ProvisionalPrefix = "temp-"

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// NewProvisional returns a provisional identifier for an optimistic record.
func NewProvisional() (string, error) {
	value, err := NewID()
	if err != nil {
		return "", err
	}
	return ProvisionalPrefix + value, nil
}

// IsProvisional reports whether the identifier was minted locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
