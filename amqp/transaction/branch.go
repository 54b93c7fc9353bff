// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"sync"
	"time"

	"github.com/absmach/amqpd/amqp/message"
)

// State is the lifecycle state of a Branch.
type State uint8

const (
	StateActive State = iota
	StateRollbackOnly
	StatePrePrepare
	StatePrepared
	StateForgotten
	StateTimedOut
	StateHeurCom
	StateHeurRB
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateRollbackOnly:
		return "ROLLBACK_ONLY"
	case StatePrePrepare:
		return "PRE_PREPARE"
	case StatePrepared:
		return "PREPARED"
	case StateForgotten:
		return "FORGOTTEN"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateHeurCom:
		return "HEUR_COM"
	case StateHeurRB:
		return "HEUR_RB"
	default:
		return "UNKNOWN"
	}
}

type sessionState uint8

const (
	sessionActive sessionState = iota
	sessionSuspended
)

// Branch stages the enqueue and dequeue operations of one transaction
// until it is committed or rolled back.
type Branch struct {
	xid    Xid
	broker Broker

	mu       sync.Mutex
	state    State
	sessions map[uint64]sessionState
	affected map[string]QueueHandler
	actions  []Action
	timeout  time.Duration
	started  time.Time
}

// NewBranch creates an active branch for xid.
func NewBranch(xid Xid, broker Broker) *Branch {
	return &Branch{
		xid:      xid,
		broker:   broker,
		sessions: make(map[uint64]sessionState),
		affected: make(map[string]QueueHandler),
		started:  time.Now(),
	}
}

// Xid returns the branch identifier.
func (b *Branch) Xid() Xid {
	return b.xid
}

// Enqueue stages msg on every queue it routes to. The branch takes
// ownership of msg.
func (b *Branch) Enqueue(msg *message.Message) error {
	handlers, err := b.broker.PrepareEnqueue(b.xid, msg)
	if err != nil {
		return brokerErr("stage enqueue", err)
	}
	b.mu.Lock()
	for _, h := range handlers {
		b.affected[h.Name()] = h
	}
	b.mu.Unlock()
	return nil
}

// Dequeue stages the removal of msg from queue.
func (b *Branch) Dequeue(queue string, msg *message.Message) error {
	h, err := b.broker.PrepareDequeue(b.xid, queue, msg)
	if err != nil {
		return brokerErr("stage dequeue", err)
	}
	b.mu.Lock()
	b.affected[h.Name()] = h
	b.mu.Unlock()
	return nil
}

// AddAction registers callbacks run once the branch commits or rolls back,
// by whichever session drives the outcome. Callbacks run without the branch
// lock held.
func (b *Branch) AddAction(a Action) {
	b.mu.Lock()
	b.actions = append(b.actions, a)
	b.mu.Unlock()
}

// takeActions returns the registered actions and forgets them so that each
// runs at most once.
func (b *Branch) takeActions() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	as := b.actions
	b.actions = nil
	return as
}

// Prepare persists the staged operations.
func (b *Branch) Prepare() error {
	b.SetState(StatePrePrepare)
	if err := b.broker.Prepare(b.xid); err != nil {
		return brokerErr("prepare", err)
	}
	b.SetState(StatePrepared)
	return nil
}

// Commit flushes staged writes to storage and then commits every affected
// queue.
func (b *Branch) Commit(onePhase bool) error {
	if err := b.broker.Flush(b.xid, onePhase); err != nil {
		return brokerErr("flush", err)
	}
	for _, h := range b.handlers() {
		h.Commit(b.xid)
	}
	for _, a := range b.takeActions() {
		if a.PostCommit != nil {
			a.PostCommit()
		}
	}
	return nil
}

// Rollback discards staged writes and rolls back every affected queue.
func (b *Branch) Rollback() error {
	if err := b.broker.Clear(b.xid); err != nil {
		return brokerErr("clear", err)
	}
	b.rollbackHandlers()
	return nil
}

// DtxRollback is Rollback for a distributed branch, which may also hold a
// prepared record in storage.
func (b *Branch) DtxRollback() error {
	if err := b.broker.Remove(b.xid); err != nil {
		return brokerErr("remove", err)
	}
	b.rollbackHandlers()
	return nil
}

func (b *Branch) rollbackHandlers() {
	for _, h := range b.handlers() {
		h.Rollback(b.xid)
	}
	for _, a := range b.takeActions() {
		if a.OnRollback != nil {
			a.OnRollback()
		}
	}
}

func (b *Branch) handlers() []QueueHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := make([]QueueHandler, 0, len(b.affected))
	for _, h := range b.affected {
		hs = append(hs, h)
	}
	return hs
}

// State returns the current state.
func (b *Branch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState moves the branch to s.
func (b *Branch) SetState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// AssociateSession binds session to the branch.
func (b *Branch) AssociateSession(session uint64) {
	b.mu.Lock()
	b.sessions[session] = sessionActive
	b.mu.Unlock()
}

// DisassociateSession removes session from the branch.
func (b *Branch) DisassociateSession(session uint64) {
	b.mu.Lock()
	delete(b.sessions, session)
	b.mu.Unlock()
}

// ResumeSession reactivates a suspended session.
func (b *Branch) ResumeSession(session uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.sessions[session]; !ok || st != sessionSuspended {
		return validationf("Couldn't resume session for branch with xid %s and session id %d", b.xid, session)
	}
	b.sessions[session] = sessionActive
	return nil
}

// SuspendSession suspends an active session.
func (b *Branch) SuspendSession(session uint64) {
	b.mu.Lock()
	if st, ok := b.sessions[session]; ok && st == sessionActive {
		b.sessions[session] = sessionSuspended
	}
	b.mu.Unlock()
}

// IsAssociated reports whether session is bound to the branch.
func (b *Branch) IsAssociated(session uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[session]
	return ok
}

// HasActiveSessions reports whether any associated session is not suspended.
func (b *Branch) HasActiveSessions() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.sessions {
		if st != sessionSuspended {
			return true
		}
	}
	return false
}

// ClearAssociations drops every session.
func (b *Branch) ClearAssociations() {
	b.mu.Lock()
	clear(b.sessions)
	b.mu.Unlock()
}

// SetTimeout records the branch timeout. Zero disables it.
func (b *Branch) SetTimeout(d time.Duration) {
	b.mu.Lock()
	b.timeout = d
	b.started = time.Now()
	b.mu.Unlock()
}

// Timeout returns the recorded timeout.
func (b *Branch) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}

// Expired reports whether the branch outlived its timeout.
func (b *Branch) Expired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateTimedOut {
		return true
	}
	return b.timeout > 0 && now.Sub(b.started) > b.timeout
}

// Prepared reports whether the branch was prepared.
func (b *Branch) Prepared() bool {
	return b.State() == StatePrepared
}

// RollbackOnly reports whether the branch may only be rolled back.
func (b *Branch) RollbackOnly() bool {
	return b.State() == StateRollbackOnly
}
