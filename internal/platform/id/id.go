// Package id generates compact random identifiers for stored entities.
//
// Identifiers are UUIDv4 bytes encoded as lowercase unpadded base32, which
// keeps them URL-safe and fixed-width (26 characters) without hyphens.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new 26-character random identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}
