// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrBroker marks failures of the storage or routing collaborator.
	ErrBroker = errors.New("broker error")
)

// ValidationError reports misuse of a transaction by the client. It never
// leaves partial state behind and is reported to the client as a channel
// level PRECONDITION_FAILED.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func brokerErr(op string, err error) error {
	if errors.Is(err, ErrBroker) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBroker, err)
}
