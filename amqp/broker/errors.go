// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"

	"github.com/absmach/amqpd/amqp/codec"
	"github.com/absmach/amqpd/amqp/transaction"
	"github.com/absmach/amqpd/queue"
	"github.com/absmach/amqpd/topics"
)

// replyCodes maps domain errors to AMQP reply codes. Errors not listed
// become INTERNAL_ERROR.
var replyCodes = []struct {
	err  error
	code int
}{
	{queue.ErrQueueNotFound, codec.NotFound},
	{queue.ErrExchangeNotFound, codec.NotFound},
	{queue.ErrLocked, codec.ResourceLocked},
	{queue.ErrExclusiveUse, codec.AccessRefused},
	{queue.ErrInequivalent, codec.PreconditionFailed},
	{queue.ErrInUse, codec.PreconditionFailed},
	{queue.ErrNotEmpty, codec.PreconditionFailed},
	{transaction.ErrValidation, codec.PreconditionFailed},
	{transaction.ErrAccessRefused, codec.AccessRefused},
	{queue.ErrInternal, codec.AccessRefused},
	{queue.ErrDefaultExchange, codec.AccessRefused},
	{topics.ErrReservedName, codec.AccessRefused},
	{topics.ErrInvalidName, codec.PreconditionFailed},
	{topics.ErrNameTooLong, codec.PreconditionFailed},
	{queue.ErrExchangeType, codec.CommandInvalid},
}

// amqpError translates err into the reply sent to the client.
func amqpError(err error) *codec.Error {
	var e *codec.Error
	if errors.As(err, &e) {
		return e
	}
	for _, rc := range replyCodes {
		if errors.Is(err, rc.err) {
			return codec.NewErr(rc.code, err.Error(), err)
		}
	}
	return codec.NewErr(codec.InternalError, err.Error(), err)
}

func channelErr(code int, text string) *codec.Error {
	return codec.NewErr(code, text, nil)
}
