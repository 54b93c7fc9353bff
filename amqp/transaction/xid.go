// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Xid identifies a transaction branch. Two Xids are equal when their format
// and both identifiers have the same bytes.
type Xid struct {
	Format   uint16
	GlobalID []byte
	BranchID []byte
}

// NewLocalXid returns a random Xid for a channel-local transaction.
func NewLocalXid() Xid {
	gid := uuid.New()
	bid := uuid.New()
	return Xid{GlobalID: gid[:], BranchID: bid[:]}
}

// Equal reports whether x and o identify the same branch.
func (x Xid) Equal(o Xid) bool {
	return x.Format == o.Format &&
		bytes.Equal(x.GlobalID, o.GlobalID) &&
		bytes.Equal(x.BranchID, o.BranchID)
}

// Key returns a string usable as a map key.
func (x Xid) Key() string {
	return fmt.Sprintf("%d:%s:%s", x.Format, hex.EncodeToString(x.GlobalID), hex.EncodeToString(x.BranchID))
}

// ParseXid is the inverse of Xid.Key.
func ParseXid(key string) (Xid, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("malformed xid key %q", key)
	}
	format, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Xid{}, fmt.Errorf("malformed xid format in %q: %w", key, err)
	}
	gid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed global id in %q: %w", key, err)
	}
	bid, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("malformed branch id in %q: %w", key, err)
	}
	return Xid{Format: uint16(format), GlobalID: gid, BranchID: bid}, nil
}

func (x Xid) String() string {
	return fmt.Sprintf("[format=%d, globalId=%x, branchId=%x]", x.Format, x.GlobalID, x.BranchID)
}
