package bdb

import (
	"runtime"
	"sync/atomic"
)

// Cursor is a position in a database's iteration order, a lazy,
// forward-only, single-pass sequence of key/value pairs. A cursor holds a
// reference to its DB, so the database cannot close underneath it.
//
// A Cursor is confined to one goroutine for its entire lifetime.
type Cursor struct {
	db *DB
	h  EngineCursor

	eof    bool
	closed atomic.Bool
}

// Next advances to the next key/value pair: ascending key order for
// ordered collections, engine-defined order otherwise. Exhaustion is a
// terminal, repeatable state, not an error: once the engine reports end of
// data, this and every later call return (nil, nil, nil).
//
// Both buffers are engine-owned and independently released.
func (c *Cursor) Next() (*Buffer, *Buffer, error) {
	if c.closed.Load() {
		return nil, nil, NewError(ErrInvalid)
	}
	if c.eof {
		return nil, nil, nil
	}
	key, value, code := c.h.Next()
	if code == ErrNotFound {
		c.eof = true
		return nil, nil, nil
	}
	if code != Success {
		return nil, nil, NewError(code)
	}
	return key, value, nil
}

// Close releases the engine cursor and drops the reference to the DB.
// Further calls are no-ops. An unreachable cursor is closed by a
// finalizer, but explicit Close is the idiomatic path: the engine cursor
// may pin a read snapshot until it is released.
func (c *Cursor) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(c, nil)
	if code := c.h.Close(); code != Success {
		log.Warnf("cursor close discarded status: %s", Strerror(code))
	}
	c.db.release()
}

func (c *Cursor) finalize() {
	if c.closed.CompareAndSwap(false, true) {
		log.Debugf("cursor finalized without Close")
		c.h.Close()
		c.db.release()
	}
}
