// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"", nil},
		{"orders", nil},
		{"orders.eu-west_1:v2", nil},
		{"amq.direct", nil},
		{"with space", ErrInvalidName},
		{"slash/name", ErrInvalidName},
		{"\xff", ErrInvalidName},
		{strings.Repeat("a", 256), ErrNameTooLong},
	}

	for _, tt := range tests {
		if err := ValidateName(tt.name); !errors.Is(err, tt.want) {
			t.Errorf("ValidateName(%q) = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestValidateDeclare(t *testing.T) {
	if err := ValidateDeclare("amq.custom"); !errors.Is(err, ErrReservedName) {
		t.Errorf("ValidateDeclare(amq.custom) = %v, want ErrReservedName", err)
	}
	if err := ValidateDeclare("custom"); err != nil {
		t.Errorf("ValidateDeclare(custom) = %v", err)
	}
}
