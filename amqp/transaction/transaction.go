// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/amqpd/amqp/message"
)

// Kind selects the transaction variant.
type Kind uint8

const (
	AutoCommit Kind = iota
	Local
	Distributed
)

func (k Kind) String() string {
	switch k {
	case AutoCommit:
		return "AutoCommit"
	case Local:
		return "LocalTransaction"
	case Distributed:
		return "DistributedTransaction"
	default:
		return "Unknown"
	}
}

func (k Kind) label() string {
	switch k {
	case Local:
		return "local-transactional"
	case Distributed:
		return "distributed-transactional"
	default:
		return "non-transactional"
	}
}

// BrokerTransaction is the contract a channel drives. Transaction implements
// it directly; wrappers such as Secured decorate another BrokerTransaction.
type BrokerTransaction interface {
	Kind() Kind
	Enqueue(msg *message.Message) error
	Dequeue(queue string, msg *message.Message) error
	Commit() error
	Rollback() error
	OnClose()
	// InTransactionBlock reports whether acknowledgments are deferred until
	// the transaction completes.
	InTransactionBlock() bool
	AddAction(a Action)

	Start(xid Xid, session uint64, join, resume bool) error
	End(xid Xid, session uint64, fail, suspend bool) error
	Prepare(xid Xid) error
	CommitXid(xid Xid, onePhase bool) error
	RollbackXid(xid Xid) error
	Forget(xid Xid) error
	SetTimeout(xid Xid, d time.Duration) error
	GetTimeout(xid Xid) (time.Duration, error)
	Recover() ([]Xid, error)
}

// Transaction is one of the AutoCommit, Local or Distributed variants.
// Operations switch on the kind instead of dispatching through subtypes.
type Transaction struct {
	kind     Kind
	broker   Broker
	registry *Registry
	logger   *slog.Logger

	// Local: lazily created private branch.
	// Distributed: the branch the session is associated with, nil when
	// operations go straight to the broker.
	branch  *Branch
	session uint64

	failures []string
	actions  []Action
}

var _ BrokerTransaction = (*Transaction)(nil)

// NewAutoCommit returns a transaction that applies every operation immediately.
func NewAutoCommit(broker Broker, logger *slog.Logger) *Transaction {
	return newTransaction(AutoCommit, broker, nil, logger)
}

// NewLocal returns a tx.select transaction.
func NewLocal(broker Broker, logger *slog.Logger) *Transaction {
	return newTransaction(Local, broker, nil, logger)
}

// NewDistributed returns a dtx.select transaction whose branches live in registry.
func NewDistributed(broker Broker, registry *Registry, logger *slog.Logger) *Transaction {
	return newTransaction(Distributed, broker, registry, logger)
}

func newTransaction(kind Kind, broker Broker, registry *Registry, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{
		kind:     kind,
		broker:   broker,
		registry: registry,
		logger:   logger,
	}
}

// Kind returns the variant.
func (t *Transaction) Kind() Kind {
	return t.kind
}

// Enqueue hands msg to the broker, directly or through the current branch.
// Ownership of msg passes to the broker even when an error is returned.
// Inside a transaction failures are recorded and reported by the next
// commit or prepare.
func (t *Transaction) Enqueue(msg *message.Message) error {
	switch t.kind {
	case Local:
		t.record(t.localBranch().Enqueue(msg))
		return nil
	case Distributed:
		if t.branch != nil {
			t.record(t.branch.Enqueue(msg))
		} else {
			t.record(t.direct(t.broker.Enqueue(msg), "enqueue"))
		}
		return nil
	default:
		return t.direct(t.broker.Enqueue(msg), "enqueue")
	}
}

// Dequeue removes msg from queue, directly or through the current branch.
func (t *Transaction) Dequeue(queue string, msg *message.Message) error {
	switch t.kind {
	case Local:
		t.record(t.localBranch().Dequeue(queue, msg))
		return nil
	case Distributed:
		if t.branch != nil {
			t.record(t.branch.Dequeue(queue, msg))
		} else {
			t.record(t.direct(t.broker.Dequeue(queue, msg), "dequeue"))
		}
		return nil
	default:
		return t.direct(t.broker.Dequeue(queue, msg), "dequeue")
	}
}

func (t *Transaction) direct(err error, op string) error {
	if err != nil {
		return brokerErr(op, err)
	}
	return nil
}

func (t *Transaction) record(err error) {
	if err != nil {
		t.failures = append(t.failures, err.Error())
	}
}

func (t *Transaction) preconditionErr() error {
	if len(t.failures) == 0 {
		return nil
	}
	return validationf("Pre conditions failed for commit. Errors %s", strings.Join(t.failures, "\n"))
}

func (t *Transaction) localBranch() *Branch {
	if t.branch == nil {
		t.branch = NewBranch(NewLocalXid(), t.broker)
	}
	return t.branch
}

// Commit commits a local transaction.
func (t *Transaction) Commit() error {
	if t.kind != Local {
		return t.notAllowed("tx.commit")
	}
	if err := t.preconditionErr(); err != nil {
		return err
	}
	if t.branch == nil {
		t.logger.Debug("nothing to commit, transaction branch is nil")
		return nil
	}
	if err := t.branch.Commit(true); err != nil {
		return err
	}
	for _, a := range t.actions {
		if a.PostCommit != nil {
			a.PostCommit()
		}
	}
	t.reset()
	return nil
}

// Rollback rolls back a local transaction.
func (t *Transaction) Rollback() error {
	if t.kind != Local {
		return t.notAllowed("tx.rollback")
	}
	defer t.reset()
	if t.branch == nil {
		t.logger.Debug("nothing to roll back, transaction branch is nil")
		return nil
	}
	if err := t.branch.Rollback(); err != nil {
		return err
	}
	for _, a := range t.actions {
		if a.OnRollback != nil {
			a.OnRollback()
		}
	}
	return nil
}

func (t *Transaction) reset() {
	t.failures = nil
	if t.kind == Local {
		t.branch = nil
	}
}

// OnClose releases transaction state when the owning channel closes. A local
// transaction is rolled back; a distributed session leaves its branch.
func (t *Transaction) OnClose() {
	switch t.kind {
	case Local:
		if err := t.Rollback(); err != nil {
			t.logger.Error("failed to roll back transaction on close", slog.String("error", err.Error()))
		}
	case Distributed:
		if t.branch != nil {
			t.branch.DisassociateSession(t.session)
			t.branch = nil
		}
	}
}

// InTransactionBlock reports whether acknowledgments wait for a commit.
func (t *Transaction) InTransactionBlock() bool {
	switch t.kind {
	case Local:
		return true
	case Distributed:
		return t.branch != nil
	default:
		return false
	}
}

// AddAction registers callbacks. A local transaction runs them after each
// commit or rollback. A distributed transaction hands them to the branch
// the session is associated with, which runs them once when any session
// completes it. Outside a branch the action is dropped.
func (t *Transaction) AddAction(a Action) {
	switch t.kind {
	case Local:
		t.actions = append(t.actions, a)
	case Distributed:
		if t.branch != nil {
			t.branch.AddAction(a)
		}
	}
}

// Start associates session with the branch for xid.
func (t *Transaction) Start(xid Xid, session uint64, join, resume bool) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.start")
	}
	if join && resume {
		return validationf("Cannot start a branch with both join and resume set %s", xid)
	}
	b := t.registry.Branch(xid)
	switch {
	case join:
		if b == nil {
			return validationf(unknownXidMsg, xid)
		}
		b.AssociateSession(session)
	case resume:
		if b == nil {
			return validationf(unknownXidMsg, xid)
		}
		if err := b.ResumeSession(session); err != nil {
			return err
		}
	default:
		if b != nil {
			return validationf("Xid %s cannot be started as it is already known", xid)
		}
		b = NewBranch(xid, t.broker)
		if err := t.registry.Register(b); err != nil {
			return err
		}
		b.AssociateSession(session)
	}
	t.branch = b
	t.session = session
	return nil
}

// End disassociates session from the branch for xid. With both fail and
// suspend set the session is disassociated first and the call still fails.
func (t *Transaction) End(xid Xid, session uint64, fail, suspend bool) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.end")
	}
	b := t.registry.Branch(xid)
	if b == nil {
		return validationf(unknownXidMsg, xid)
	}
	switch {
	case suspend && fail:
		b.DisassociateSession(session)
		t.branch = nil
		return validationf("Cannot end a branch with both suspend and fail set %s", xid)
	case !b.IsAssociated(session):
		return validationf("Xid %s not associated with the current session", xid)
	case suspend:
		b.SuspendSession(session)
	default:
		if fail {
			b.SetState(StateRollbackOnly)
		}
		b.DisassociateSession(session)
	}
	t.branch = nil
	return nil
}

// Prepare prepares the branch for xid.
func (t *Transaction) Prepare(xid Xid) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.prepare")
	}
	if err := t.preconditionErr(); err != nil {
		return err
	}
	return t.registry.Prepare(xid)
}

// CommitXid commits the branch for xid.
func (t *Transaction) CommitXid(xid Xid, onePhase bool) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.commit")
	}
	if err := t.registry.Commit(xid, onePhase); err != nil {
		return err
	}
	t.failures = nil
	return nil
}

// RollbackXid rolls back the branch for xid.
func (t *Transaction) RollbackXid(xid Xid) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.rollback")
	}
	if err := t.registry.Rollback(xid); err != nil {
		return err
	}
	t.failures = nil
	return nil
}

// Forget forgets a heuristically completed branch.
func (t *Transaction) Forget(xid Xid) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.forget")
	}
	return t.registry.Forget(xid)
}

// SetTimeout records a timeout for xid.
func (t *Transaction) SetTimeout(xid Xid, d time.Duration) error {
	if t.kind != Distributed {
		return t.notAllowed("dtx.set-timeout")
	}
	return t.registry.SetTimeout(xid, d)
}

// GetTimeout returns the timeout recorded for xid.
func (t *Transaction) GetTimeout(xid Xid) (time.Duration, error) {
	if t.kind != Distributed {
		return 0, t.notAllowed("dtx.get-timeout")
	}
	return t.registry.Timeout(xid)
}

// Recover lists prepared branches.
func (t *Transaction) Recover() ([]Xid, error) {
	if t.kind != Distributed {
		return nil, t.notAllowed("dtx.recover")
	}
	return t.registry.PreparedXids(), nil
}

func (t *Transaction) notAllowed(op string) error {
	return validationf("%s called on %s channel", op, t.kind.label())
}
