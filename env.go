package bdb

import (
	"os"
	"runtime"
	"sync/atomic"
)

// EnvBuilder configures and opens an environment. NewEnv allocates the
// engine resource eagerly; every exit path, open, failed open or
// abandonment, releases it exactly once.
type EnvBuilder struct {
	eng   Engine
	h     EngineEnv
	home  string
	flags Flags
	mode  os.FileMode
}

// NewEnv allocates an environment handle from the engine and returns its
// builder. It panics if the engine cannot allocate the handle; allocation
// failure at construction is an unrecoverable resource-exhaustion
// condition with no handle to report through.
func NewEnv(engine Engine) *EnvBuilder {
	h, code := engine.CreateEnv()
	if code != Success {
		panic("bdb: cannot allocate environment: " + Strerror(code))
	}
	b := &EnvBuilder{eng: engine, h: h}
	runtime.SetFinalizer(b, (*EnvBuilder).finalize)
	return b
}

// Home sets the environment home directory. An empty home (the default) is
// engine-defined, typically private or in-memory.
func (b *EnvBuilder) Home(path string) *EnvBuilder {
	b.home = path
	return b
}

// SetFlags sets the environment open flags.
func (b *EnvBuilder) SetFlags(flags Flags) *EnvBuilder {
	b.flags = flags
	return b
}

// Mode sets the file-creation mode for files the engine creates. Zero
// selects the engine default (0644).
func (b *EnvBuilder) Mode(mode os.FileMode) *EnvBuilder {
	b.mode = mode
	return b
}

// Open opens the configured environment. On success the engine resource is
// owned by the returned Env and the builder is spent. On failure the
// resource is released before the error returns; the builder never leaks
// it.
func (b *EnvBuilder) Open() (*Env, error) {
	h := b.h
	if h == nil {
		return nil, NewError(ErrInvalid)
	}
	b.h = nil
	runtime.SetFinalizer(b, nil)

	var lock *lockFile
	if b.home != "" {
		if b.flags&Create != 0 {
			if err := os.MkdirAll(b.home, 0755); err != nil {
				h.Close()
				return nil, WrapError(ErrIO, err)
			}
		}
		var code ErrorCode
		lock, code = lockHome(b.home, b.flags, b.mode)
		if code != Success {
			h.Close()
			return nil, NewError(code)
		}
	}

	if code := h.Open(b.home, b.flags, b.mode); code != Success {
		if lock != nil {
			lock.release()
		}
		h.Close()
		return nil, NewError(code)
	}

	env := &Env{
		eng:   b.eng,
		h:     h,
		home:  b.home,
		flags: b.flags,
		mode:  b.mode,
		lock:  lock,
	}
	env.refs.Store(1)
	runtime.SetFinalizer(env, (*Env).finalize)
	log.Debugf("opened environment %q (%s engine)", b.home, b.eng.Name())
	return env, nil
}

// Close releases an unopened builder's engine allocation. After Open it is
// a no-op; the Env owns the resource.
func (b *EnvBuilder) Close() {
	runtime.SetFinalizer(b, nil)
	if b.h != nil {
		b.h.Close()
		b.h = nil
	}
}

func (b *EnvBuilder) finalize() {
	if b.h != nil {
		log.Warnf("environment builder dropped without Open, releasing engine handle")
		b.h.Close()
		b.h = nil
	}
}

// Env is an open environment, the shared root resource that databases and
// transactions depend on. It is reference counted: every DB and Txn holds a
// reference, so the engine's close runs only after the last dependent
// handle has released. Env is safe for concurrent use.
type Env struct {
	eng   Engine
	h     EngineEnv
	home  string
	flags Flags
	mode  os.FileMode
	lock  *lockFile

	refs   atomic.Int64
	closed atomic.Bool

	txnBegin  atomic.Uint64
	txnCommit atomic.Uint64
	txnAbort  atomic.Uint64
	gets      atomic.Uint64
	puts      atomic.Uint64
	dels      atomic.Uint64
}

// Home returns the environment home directory.
func (e *Env) Home() string {
	return e.home
}

// Flags returns the flags the environment was opened with.
func (e *Env) Flags() Flags {
	return e.flags
}

// retain takes a reference for a dependent handle. It fails once the count
// has reached zero: the engine resource is gone.
func (e *Env) retain() error {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return NewError(ErrInvalid)
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// release drops a reference, closing the engine environment when the last
// one goes. Close statuses have no return path here and are logged and
// discarded.
func (e *Env) release() {
	if e.refs.Add(-1) != 0 {
		return
	}
	if code := e.h.Close(); code != Success {
		log.Warnf("environment close discarded status: %s", Strerror(code))
	}
	if e.lock != nil {
		e.lock.release()
	}
	log.Debugf("closed environment %q", e.home)
}

// BeginTxn starts a transaction against the environment. A nil parent
// starts a top-level transaction; a live parent starts a nested child. The
// returned Txn must be confined to a single goroutine and resolved with
// Commit or Abort.
func (e *Env) BeginTxn(parent *Txn, flags Flags) (*Txn, error) {
	var ph EngineTxn
	if parent != nil {
		h, err := parent.handle()
		if err != nil {
			return nil, err
		}
		ph = h
	}
	if err := e.retain(); err != nil {
		return nil, err
	}
	th, code := e.h.Begin(ph, flags)
	if code != Success {
		e.release()
		return nil, NewError(code)
	}
	e.txnBegin.Add(1)
	txn := &Txn{env: e, h: th, parent: parent}
	runtime.SetFinalizer(txn, (*Txn).finalize)
	return txn, nil
}

// TxnOp is a function that operates on a transaction. This is the callback
// type for RunTxn and Update.
type TxnOp func(txn *Txn) error

// RunTxn runs fn inside a transaction begun with the given flags. The
// transaction is committed with CommitInherit when fn returns nil and
// aborted when it returns an error.
func (e *Env) RunTxn(flags Flags, fn TxnOp) error {
	txn, err := e.BeginTxn(nil, flags)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit(CommitInherit)
}

// Update runs fn inside a transaction with no extra flags.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(0, fn)
}

// Sync flushes the engine's buffered writes to stable storage.
func (e *Env) Sync() error {
	if err := e.retain(); err != nil {
		return err
	}
	defer e.release()
	return statusErr(e.h.Sync())
}

// Stat is a snapshot of environment operation counters.
type Stat struct {
	TxnBegin  uint64 // transactions begun
	TxnCommit uint64 // transactions committed
	TxnAbort  uint64 // transactions aborted, explicit or implicit
	Gets      uint64 // lookups
	Puts      uint64 // stores
	Dels      uint64 // deletions
	Refs      int64  // live references including the opener
}

// Stat returns a snapshot of the environment's operation counters.
func (e *Env) Stat() Stat {
	return Stat{
		TxnBegin:  e.txnBegin.Load(),
		TxnCommit: e.txnCommit.Load(),
		TxnAbort:  e.txnAbort.Load(),
		Gets:      e.gets.Load(),
		Puts:      e.puts.Load(),
		Dels:      e.dels.Load(),
		Refs:      e.refs.Load(),
	}
}

// Close drops the opener's reference. The engine close is deferred until
// every database and transaction holding a reference has released; it is
// safe to call Close while dependents are still live. Further calls are
// no-ops.
func (e *Env) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(e, nil)
	e.release()
}

func (e *Env) finalize() {
	if e.closed.CompareAndSwap(false, true) {
		log.Warnf("environment %q became unreachable without Close", e.home)
		e.release()
	}
}
