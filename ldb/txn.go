package ldb

import (
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/go-bdb/bdb"
)

// ovEntry is one pending write: a value or a delete.
type ovEntry struct {
	value []byte
	del   bool
}

// ldbTxn implements bdb.EngineTxn. A top-level transaction reads from a
// snapshot taken at Begin and collects writes in an overlay keyed by
// encoded store key; commit turns the overlay into one atomic batch.
// Children stack their own overlays and fold them into the parent on
// commit. The top-level transaction owns the home writer lock throughout,
// so the snapshot it took stays the newest committed state.
type ldbTxn struct {
	home   *ldbHome
	snap   *leveldb.Snapshot // top-level only
	parent *ldbTxn           // child only
	writes map[string]ovEntry
	done   bool
}

func beginTxn(home *ldbHome, parent bdb.EngineTxn, flags bdb.Flags) (bdb.EngineTxn, bdb.ErrorCode) {
	if parent != nil {
		p, code := resolveTxn(parent)
		if code != bdb.Success || p == nil {
			return nil, bdb.ErrInvalid
		}
		if p.home != home {
			return nil, bdb.ErrInvalid
		}
		return &ldbTxn{
			home:   home,
			parent: p,
			writes: make(map[string]ovEntry),
		}, bdb.Success
	}
	if home.readOnly {
		return nil, bdb.ErrAccess
	}
	if flags&bdb.TxnNoWait != 0 {
		if !home.writerMu.TryLock() {
			return nil, bdb.ErrLockNotGranted
		}
	} else {
		home.writerMu.Lock()
	}
	snap, err := home.db.GetSnapshot()
	if err != nil {
		home.writerMu.Unlock()
		return nil, fail("begin", home.path, err)
	}
	return &ldbTxn{
		home:   home,
		snap:   snap,
		writes: make(map[string]ovEntry),
	}, bdb.Success
}

// resolveTxn checks that txn, when non-nil, is a live transaction of this
// engine.
func resolveTxn(txn bdb.EngineTxn) (*ldbTxn, bdb.ErrorCode) {
	if txn == nil {
		return nil, bdb.Success
	}
	t, ok := txn.(*ldbTxn)
	if !ok || t.done {
		return nil, bdb.ErrInvalid
	}
	return t, bdb.Success
}

// view resolves key through the overlay chain and then the root snapshot.
func (t *ldbTxn) view(key []byte) ([]byte, bool, bdb.ErrorCode) {
	sk := string(key)
	x := t
	for {
		if e, ok := x.writes[sk]; ok {
			if e.del {
				return nil, false, bdb.Success
			}
			return e.value, true, bdb.Success
		}
		if x.parent == nil {
			break
		}
		x = x.parent
	}
	v, err := x.snap.Get(key, nil)
	if err != nil {
		if mapErr(err) == bdb.ErrNotFound {
			return nil, false, bdb.Success
		}
		return nil, false, fail("read", t.home.path, err)
	}
	return v, true, bdb.Success
}

func (t *ldbTxn) set(key, value []byte) {
	cp := append([]byte(nil), value...)
	if cp == nil {
		cp = make([]byte, 0)
	}
	t.writes[string(key)] = ovEntry{value: cp}
}

func (t *ldbTxn) del(key []byte) {
	t.writes[string(key)] = ovEntry{del: true}
}

// truncate marks every record of the table deleted: the live keys of the
// whole overlay chain plus everything the root snapshot holds under the
// table prefix.
func (t *ldbTxn) truncate(tk string) bdb.ErrorCode {
	prefix := string(dataPrefix(tk))
	doomed := make(map[string]struct{})
	root := t
	for x := t; x != nil; x = x.parent {
		for k, e := range x.writes {
			if !e.del && strings.HasPrefix(k, prefix) {
				doomed[k] = struct{}{}
			}
		}
		root = x
	}
	iter := root.snap.NewIterator(prefixRange(tk), nil)
	for iter.Next() {
		doomed[string(iter.Key())] = struct{}{}
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return fail("truncate", t.home.path, err)
	}
	for k := range doomed {
		t.writes[k] = ovEntry{del: true}
	}
	return bdb.Success
}

// Commit publishes the transaction. A child folds its overlay into the
// parent; a top-level transaction writes one batch at the durability the
// mode asks for, then releases the snapshot and the writer lock.
func (t *ldbTxn) Commit(mode bdb.CommitMode) bdb.ErrorCode {
	if t.done {
		return bdb.ErrInvalid
	}
	t.done = true

	if t.parent != nil {
		for k, e := range t.writes {
			t.parent.writes[k] = e
		}
		t.writes = nil
		return bdb.Success
	}

	batch := new(leveldb.Batch)
	for k, e := range t.writes {
		if e.del {
			batch.Delete([]byte(k))
		} else {
			batch.Put([]byte(k), e.value)
		}
	}
	err := t.home.db.Write(batch, &opt.WriteOptions{Sync: t.home.effSync(mode)})
	t.snap.Release()
	t.home.writerMu.Unlock()
	t.writes = nil
	if err != nil {
		return fail("commit", t.home.path, err)
	}
	return bdb.Success
}

// Abort discards the transaction. A top-level transaction releases the
// snapshot and the writer lock.
func (t *ldbTxn) Abort() bdb.ErrorCode {
	if t.done {
		return bdb.ErrInvalid
	}
	t.done = true
	t.writes = nil
	if t.parent == nil {
		t.snap.Release()
		t.home.writerMu.Unlock()
	}
	return bdb.Success
}
