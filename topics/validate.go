// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidName  = errors.New("invalid name: illegal characters")
	ErrNameTooLong  = errors.New("invalid name: longer than 255 bytes")
	ErrReservedName = errors.New("invalid name: the amq. prefix is reserved")
)

// MaxNameLength is the longest exchange or queue name a short string can carry.
const MaxNameLength = 255

// ValidateName checks an exchange or queue name. Names may contain letters,
// digits, hyphen, underscore, period and colon.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrInvalidName
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ErrInvalidName
		}
	}
	return nil
}

// ValidateDeclare checks a name a client wants to declare. Names starting
// with "amq." are reserved for the broker.
func ValidateDeclare(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if strings.HasPrefix(name, "amq.") {
		return ErrReservedName
	}
	return nil
}
