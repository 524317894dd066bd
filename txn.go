package bdb

import (
	"runtime"
	"sync/atomic"
)

// Txn is an in-flight transaction. Exactly one of Commit or Abort resolves
// it; a second resolution fails with ErrInvalid. A Txn that becomes
// unreachable while unresolved is aborted by a finalizer, with any engine
// status swallowed: there is no caller left to act on it. Explicit
// resolution is the idiomatic path, the finalizer only prevents dangling
// engine lock and log state.
//
// A Txn is confined to one goroutine for its entire lifetime.
type Txn struct {
	env *Env
	h   EngineTxn

	// parent keeps the parent Txn reachable so its implicit abort cannot
	// run before this child's.
	parent *Txn

	resolved atomic.Bool
}

// Parent returns the parent transaction, nil for a top-level one.
func (t *Txn) Parent() *Txn {
	return t.parent
}

// handle returns the engine handle, or ErrInvalid once resolved. A nil Txn
// yields a nil handle: operations outside any transaction.
func (t *Txn) handle() (EngineTxn, error) {
	if t == nil {
		return nil, nil
	}
	if t.resolved.Load() {
		return nil, NewError(ErrInvalid)
	}
	return t.h, nil
}

// Commit resolves the transaction, making its mutations durable according
// to mode. A failed commit leaves the transaction resolved; the engine has
// already rolled it back.
func (t *Txn) Commit(mode CommitMode) error {
	if !t.resolved.CompareAndSwap(false, true) {
		return NewError(ErrInvalid)
	}
	runtime.SetFinalizer(t, nil)
	code := t.h.Commit(mode)
	t.h = nil
	if code != Success {
		t.env.txnAbort.Add(1)
		t.env.release()
		return NewError(code)
	}
	t.env.txnCommit.Add(1)
	t.env.release()
	return nil
}

// Abort resolves the transaction, rolling back every mutation performed
// under it and under its still-open children.
func (t *Txn) Abort() error {
	if !t.resolved.CompareAndSwap(false, true) {
		return NewError(ErrInvalid)
	}
	runtime.SetFinalizer(t, nil)
	code := t.h.Abort()
	t.h = nil
	t.env.txnAbort.Add(1)
	t.env.release()
	return statusErr(code)
}

func (t *Txn) finalize() {
	if !t.resolved.CompareAndSwap(false, true) {
		return
	}
	log.Debugf("transaction finalized unresolved, aborting")
	t.h.Abort()
	t.h = nil
	t.env.txnAbort.Add(1)
	t.env.release()
}
