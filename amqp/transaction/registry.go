// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	unknownXidMsg    = "Branch not found with xid %s"
	associatedXidMsg = "Branch still has associated active sessions for xid %s"
	timedOutMsg      = "Transaction timed out for xid %s"
)

// Registry maps Xids to in-flight branches. It is shared by every channel of
// a broker so that sessions driving the same global transaction converge on
// one Branch.
type Registry struct {
	mu       sync.Mutex
	branches map[string]*Branch

	// ops serializes state transitions across branches.
	ops    sync.Mutex
	now    func() time.Time
	tracer trace.Tracer // nil if tracing disabled
	logger *slog.Logger
}

// NewRegistry creates an empty registry. tracer may be nil.
func NewRegistry(tracer trace.Tracer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		branches: make(map[string]*Branch),
		now:      time.Now,
		tracer:   tracer,
		logger:   logger,
	}
}

// Register adds b, failing if a branch with the same Xid exists.
func (r *Registry) Register(b *Branch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := b.Xid().Key()
	if _, ok := r.branches[key]; ok {
		return validationf("Branch with the same xid %s is already registered.", b.Xid())
	}
	r.branches[key] = b
	return nil
}

// Restore registers a prepared branch found in storage at startup. The
// branch can then be committed or rolled back by any session.
func (r *Registry) Restore(xid Xid, broker Broker, handlers []QueueHandler) error {
	b := NewBranch(xid, broker)
	for _, h := range handlers {
		b.affected[h.Name()] = h
	}
	b.state = StatePrepared
	if err := r.Register(b); err != nil {
		return err
	}
	r.logger.Info("restored prepared transaction branch", slog.String("xid", xid.String()), slog.Int("queues", len(handlers)))
	return nil
}

// Unregister removes the branch for xid, if any.
func (r *Registry) Unregister(xid Xid) {
	r.mu.Lock()
	delete(r.branches, xid.Key())
	r.mu.Unlock()
}

// Branch returns the branch for xid or nil.
func (r *Registry) Branch(xid Xid) *Branch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branches[xid.Key()]
}

// Len returns the number of registered branches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.branches)
}

// Prepare moves the branch for xid to PREPARED.
func (r *Registry) Prepare(xid Xid) (err error) {
	end := r.span("dtx.prepare", xid)
	defer func() { end(err) }()

	r.ops.Lock()
	defer r.ops.Unlock()

	b := r.Branch(xid)
	if b == nil {
		return validationf(unknownXidMsg, xid)
	}
	if b.HasActiveSessions() {
		return validationf(associatedXidMsg, xid)
	}
	if err := r.checkExpired(b); err != nil {
		return err
	}
	b.ClearAssociations()
	switch st := b.State(); st {
	case StateActive:
	case StateRollbackOnly:
		return validationf("Transaction can only be rollbacked")
	default:
		return validationf("Cannot prepare a branch in state %s", st)
	}
	return b.Prepare()
}

// Commit commits the branch for xid and forgets it.
func (r *Registry) Commit(xid Xid, onePhase bool) (err error) {
	end := r.span("dtx.commit", xid)
	defer func() { end(err) }()

	r.ops.Lock()
	defer r.ops.Unlock()

	b := r.Branch(xid)
	if b == nil {
		return validationf(unknownXidMsg, xid)
	}
	if b.HasActiveSessions() {
		return validationf(associatedXidMsg, xid)
	}
	if err := r.checkExpired(b); err != nil {
		return err
	}
	if b.RollbackOnly() {
		return validationf("Branch is set to rollback only. Can't commit with xid %s", xid)
	}
	if !onePhase && !b.Prepared() {
		return validationf("Cannot call two-phase commit on a non-prepared branch for xid %s", xid)
	}
	if onePhase && b.Prepared() {
		return validationf("Cannot call one-phase commit on a prepared branch for xid %s", xid)
	}
	b.ClearAssociations()
	if err := b.Commit(onePhase); err != nil {
		return err
	}
	b.SetState(StateForgotten)
	r.Unregister(xid)
	return nil
}

// Rollback rolls back the branch for xid and forgets it.
func (r *Registry) Rollback(xid Xid) (err error) {
	end := r.span("dtx.rollback", xid)
	defer func() { end(err) }()

	r.ops.Lock()
	defer r.ops.Unlock()

	b := r.Branch(xid)
	if b == nil {
		return validationf(unknownXidMsg, xid)
	}
	if err := r.checkExpired(b); err != nil {
		return err
	}
	if b.HasActiveSessions() {
		return validationf(associatedXidMsg, xid)
	}
	b.ClearAssociations()
	if err := b.DtxRollback(); err != nil {
		return err
	}
	b.SetState(StateForgotten)
	r.Unregister(xid)
	return nil
}

// Forget discards a heuristically completed branch.
func (r *Registry) Forget(xid Xid) error {
	b := r.Branch(xid)
	if b == nil {
		return validationf(unknownXidMsg, xid)
	}
	if b.HasActiveSessions() {
		return validationf(associatedXidMsg, xid)
	}
	if st := b.State(); st != StateHeurCom && st != StateHeurRB {
		return validationf("Branch is not heuristically complete, hence unable to forget. Xid %s", xid)
	}
	b.SetState(StateForgotten)
	r.Unregister(xid)
	return nil
}

// SetTimeout records a timeout for xid. A zero timeout is ignored.
func (r *Registry) SetTimeout(xid Xid, d time.Duration) error {
	b := r.Branch(xid)
	if b == nil {
		return validationf(unknownXidMsg, xid)
	}
	if d == 0 {
		return nil
	}
	b.SetTimeout(d)
	return nil
}

// Timeout returns the timeout recorded for xid.
func (r *Registry) Timeout(xid Xid) (time.Duration, error) {
	b := r.Branch(xid)
	if b == nil {
		return 0, validationf(unknownXidMsg, xid)
	}
	return b.Timeout(), nil
}

// PreparedXids lists the in-doubt branches.
func (r *Registry) PreparedXids() []Xid {
	r.mu.Lock()
	defer r.mu.Unlock()
	var xids []Xid
	for _, b := range r.branches {
		if b.Prepared() {
			xids = append(xids, b.Xid())
		}
	}
	return xids
}

// checkExpired rolls back and unregisters a branch past its timeout.
func (r *Registry) checkExpired(b *Branch) error {
	if !b.Expired(r.now()) {
		return nil
	}
	r.Unregister(b.Xid())
	if err := b.DtxRollback(); err != nil {
		r.logger.Error("failed to roll back timed out branch", slog.String("xid", b.Xid().String()), slog.String("error", err.Error()))
	}
	b.SetState(StateTimedOut)
	return validationf(timedOutMsg, b.Xid())
}

func (r *Registry) span(name string, xid Xid) func(error) {
	if r.tracer == nil {
		return func(error) {}
	}
	_, span := r.tracer.Start(context.Background(), name,
		trace.WithAttributes(attribute.String("amqp.xid", xid.String())))
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
