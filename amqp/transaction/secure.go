// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"errors"
	"fmt"

	"github.com/absmach/amqpd/amqp/message"
)

// ErrAccessRefused is returned when a publish is not authorized.
var ErrAccessRefused = errors.New("access refused")

// Secured checks publish permissions before delegating to the wrapped
// transaction. Every other operation is delegated unchanged.
type Secured struct {
	BrokerTransaction
	auth Authorizer
	user string
}

// WithAuthorizer wraps tx so that Enqueue is authorized for user.
// A nil auth returns tx unchanged.
func WithAuthorizer(tx BrokerTransaction, auth Authorizer, user string) BrokerTransaction {
	if auth == nil {
		return tx
	}
	return &Secured{BrokerTransaction: tx, auth: auth, user: user}
}

// Enqueue rejects and releases msg when the user may not publish to its exchange.
func (s *Secured) Enqueue(msg *message.Message) error {
	exchange := msg.Metadata.Exchange
	if !s.auth.CanPublish(s.user, exchange) {
		msg.Release()
		return fmt.Errorf("%w: user %q cannot publish to exchange %q", ErrAccessRefused, s.user, exchange)
	}
	return s.BrokerTransaction.Enqueue(msg)
}

// Unwrap returns the decorated transaction.
func (s *Secured) Unwrap() BrokerTransaction {
	return s.BrokerTransaction
}
