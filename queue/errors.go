// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

var (
	ErrQueueNotFound    = errors.New("queue not found")
	ErrExchangeNotFound = errors.New("exchange not found")
	ErrExchangeType     = errors.New("unknown exchange type")
	ErrInequivalent     = errors.New("inequivalent arguments")
	ErrInUse            = errors.New("in use")
	ErrNotEmpty         = errors.New("queue not empty")
	ErrLocked           = errors.New("exclusive queue owned by another connection")
	ErrExclusiveUse     = errors.New("queue has an exclusive consumer")
	ErrInternal         = errors.New("operation not permitted on internal exchange")
)
