// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestXidEquality(t *testing.T) {
	a := Xid{Format: 1, GlobalID: []byte("g"), BranchID: []byte("b")}
	b := Xid{Format: 1, GlobalID: []byte{'g'}, BranchID: []byte{'b'}}
	c := Xid{Format: 2, GlobalID: []byte("g"), BranchID: []byte("b")}

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Key(), c.Key())
	assert.False(t, NewLocalXid().Equal(NewLocalXid()))
}

func TestRegistryRegisterOnce(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	xid := testXid("g", "b")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Register(NewBranch(xid, newFakeBroker())) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	err := reg.Register(NewBranch(xid, newFakeBroker()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryUnknownXid(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	xid := testXid("missing", "b")

	tests := []struct {
		name string
		call func() error
	}{
		{"prepare", func() error { return reg.Prepare(xid) }},
		{"commit", func() error { return reg.Commit(xid, true) }},
		{"rollback", func() error { return reg.Rollback(xid) }},
		{"forget", func() error { return reg.Forget(xid) }},
		{"set timeout", func() error { return reg.SetTimeout(xid, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), "Branch not found with xid")
		})
	}
}

func TestRegistryForget(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	xid := testXid("g", "b")
	br := NewBranch(xid, newFakeBroker())
	require.NoError(t, reg.Register(br))

	err := reg.Forget(xid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not heuristically complete")

	br.SetState(StateHeurCom)
	require.NoError(t, reg.Forget(xid))
	assert.Equal(t, StateForgotten, br.State())
	assert.Nil(t, reg.Branch(xid))
}

func TestRegistryPrepareState(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	xid := testXid("g", "b")
	br := NewBranch(xid, newFakeBroker())
	require.NoError(t, reg.Register(br))

	require.NoError(t, reg.Prepare(xid))
	assert.Equal(t, StatePrepared, br.State())

	err := reg.Prepare(xid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot prepare a branch in state PREPARED")
}

func TestRegistrySpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reg := NewRegistry(tp.Tracer("test"), testLogger())

	xid := testXid("g", "b")
	require.NoError(t, reg.Register(NewBranch(xid, newFakeBroker())))
	require.NoError(t, reg.Prepare(xid))
	require.NoError(t, reg.Commit(xid, false))
	require.Error(t, reg.Rollback(xid))

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "dtx.prepare", spans[0].Name())
	assert.Equal(t, "dtx.commit", spans[1].Name())
	assert.Equal(t, "dtx.rollback", spans[2].Name())
	assert.NotEmpty(t, spans[2].Events(), "failed rollback records the error")
}

func TestParseXid(t *testing.T) {
	xid := Xid{Format: 7, GlobalID: []byte("global"), BranchID: []byte{0, 1, 2}}
	got, err := ParseXid(xid.Key())
	require.NoError(t, err)
	assert.True(t, xid.Equal(got))

	for _, key := range []string{"", "1:aa", "x:aa:bb", "1:zz:bb", "70000:aa:bb"} {
		_, err := ParseXid(key)
		assert.Error(t, err, key)
	}
}

func TestRegistryRestore(t *testing.T) {
	reg := NewRegistry(nil, testLogger())
	b := newFakeBroker()
	h := &fakeHandler{name: "q1"}
	xid := testXid("g", "b")

	require.NoError(t, reg.Restore(xid, b, []QueueHandler{h}))
	assert.Equal(t, []Xid{xid}, reg.PreparedXids())
	require.Error(t, reg.Restore(xid, b, nil))

	require.NoError(t, reg.Commit(xid, false))
	assert.Equal(t, []string{xid.Key()}, h.commits)
	assert.Nil(t, reg.Branch(xid))
}

func TestBranchActionsRunOnce(t *testing.T) {
	cases := []struct {
		name         string
		fail         bool
		outcome      func(reg *Registry, xid Xid) error
		wantErr      bool
		wantCommits  int
		wantRollback int
	}{
		{
			name:        "commit",
			outcome:     func(reg *Registry, xid Xid) error { return reg.Commit(xid, true) },
			wantCommits: 1,
		},
		{
			name:         "rollback",
			outcome:      func(reg *Registry, xid Xid) error { return reg.Rollback(xid) },
			wantRollback: 1,
		},
		{
			name: "expired",
			outcome: func(reg *Registry, xid Xid) error {
				reg.now = func() time.Time { return time.Now().Add(time.Hour) }
				return reg.Commit(xid, true)
			},
			wantErr:      true,
			wantRollback: 1,
		},
		{
			name:    "failed flush keeps actions",
			fail:    true,
			outcome: func(reg *Registry, xid Xid) error { return reg.Commit(xid, true) },
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry(nil, testLogger())
			broker := newFakeBroker()
			broker.failFlush = tc.fail
			xid := testXid("actions", tc.name)
			b := NewBranch(xid, broker)
			require.NoError(t, reg.Register(b))
			b.SetTimeout(time.Minute)

			var commits, rollbacks int
			b.AddAction(Action{
				PostCommit: func() { commits++ },
				OnRollback: func() { rollbacks++ },
			})

			err := tc.outcome(reg, xid)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.wantCommits, commits)
			assert.Equal(t, tc.wantRollback, rollbacks)
			if tc.fail {
				assert.Len(t, b.takeActions(), 1, "actions wait for the retried commit")
				return
			}
			assert.Empty(t, b.takeActions())
		})
	}
}
