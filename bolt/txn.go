package bolt

import (
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/go-bdb/bdb"
)

// errRollback forces bbolt's Update to roll back when the real status
// travels out-of-band.
var errRollback = errors.New("bolt: rollback")

// ovEntry is one overlaid write: a pending value or a pending delete.
type ovEntry struct {
	value []byte
	del   bool
}

// boltTxn implements bdb.EngineTxn. A top-level transaction wraps a
// writable bbolt transaction and owns the home writer lock. bbolt has no
// nested transactions, so a child keeps its writes in per-bucket overlay
// maps; commit folds them into the parent, abort drops them.
type boltTxn struct {
	home   *boltHome
	tx     *bbolt.Tx                     // top-level only
	parent *boltTxn                      // child only
	writes map[string]map[string]ovEntry // child only
	done   bool
}

func beginTxn(home *boltHome, parent bdb.EngineTxn, flags bdb.Flags) (bdb.EngineTxn, bdb.ErrorCode) {
	if parent != nil {
		p, code := resolveTxn(parent)
		if code != bdb.Success || p == nil {
			return nil, bdb.ErrInvalid
		}
		if p.root().home != home {
			return nil, bdb.ErrInvalid
		}
		return &boltTxn{
			home:   home,
			parent: p,
			writes: make(map[string]map[string]ovEntry),
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
	tx, err := home.db.Begin(true)
	if err != nil {
		home.writerMu.Unlock()
		return nil, fail("begin", home.path, err)
	}
	return &boltTxn{home: home, tx: tx}, bdb.Success
}

// resolveTxn checks that txn, when non-nil, is a live transaction of this
// engine.
func resolveTxn(txn bdb.EngineTxn) (*boltTxn, bdb.ErrorCode) {
	if txn == nil {
		return nil, bdb.Success
	}
	t, ok := txn.(*boltTxn)
	if !ok || t.done {
		return nil, bdb.ErrInvalid
	}
	return t, bdb.Success
}

func (t *boltTxn) root() *boltTxn {
	x := t
	for x.parent != nil {
		x = x.parent
	}
	return x
}

// lookup walks the overlay chain for key. It reports whether an overlay
// entry decided the outcome.
func (t *boltTxn) lookup(bk string, key string) (ovEntry, bool) {
	for x := t; x.parent != nil; x = x.parent {
		if m, ok := x.writes[bk]; ok {
			if e, ok := m[key]; ok {
				return e, true
			}
		}
	}
	return ovEntry{}, false
}

func (t *boltTxn) get(bk []byte, key []byte) (*bdb.Buffer, bdb.ErrorCode) {
	if e, ok := t.lookup(string(bk), string(key)); ok {
		if e.del {
			return nil, bdb.ErrNotFound
		}
		return copyOut(e.value), bdb.Success
	}
	b := t.root().tx.Bucket(bk)
	if b == nil {
		return nil, bdb.ErrNoEntry
	}
	v, ok := seek(b, key)
	if !ok {
		return nil, bdb.ErrNotFound
	}
	return copyOut(v), bdb.Success
}

// has reports key existence through the overlay chain and the root
// transaction's bucket.
func (t *boltTxn) has(bk []byte, key []byte) (bool, bdb.ErrorCode) {
	if e, ok := t.lookup(string(bk), string(key)); ok {
		return !e.del, bdb.Success
	}
	b := t.root().tx.Bucket(bk)
	if b == nil {
		return false, bdb.ErrNoEntry
	}
	_, ok := seek(b, key)
	return ok, bdb.Success
}

func (t *boltTxn) put(bk []byte, key, value []byte, flags bdb.Flags) bdb.ErrorCode {
	if flags&bdb.NoOverwrite != 0 {
		exists, code := t.has(bk, key)
		if code != bdb.Success {
			return code
		}
		if exists {
			return bdb.ErrKeyExist
		}
	}
	if t.parent == nil {
		b := t.tx.Bucket(bk)
		if b == nil {
			return bdb.ErrNoEntry
		}
		return mapErr(b.Put(key, value))
	}
	cp := append([]byte(nil), value...)
	if cp == nil {
		cp = make([]byte, 0)
	}
	t.overlay(bk)[string(key)] = ovEntry{value: cp}
	return bdb.Success
}

func (t *boltTxn) del(bk []byte, key []byte) bdb.ErrorCode {
	exists, code := t.has(bk, key)
	if code != bdb.Success {
		return code
	}
	if !exists {
		return bdb.ErrNotFound
	}
	if t.parent == nil {
		b := t.tx.Bucket(bk)
		if b == nil {
			return bdb.ErrNoEntry
		}
		return mapErr(b.Delete(key))
	}
	t.overlay(bk)[string(key)] = ovEntry{del: true}
	return bdb.Success
}

func (t *boltTxn) overlay(bk []byte) map[string]ovEntry {
	m, ok := t.writes[string(bk)]
	if !ok {
		m = make(map[string]ovEntry)
		t.writes[string(bk)] = m
	}
	return m
}

// Commit publishes the transaction. A child folds its overlays into the
// parent, or applies them to the root's bbolt transaction when the parent
// is top-level. A top-level transaction commits the bbolt transaction at
// the durability the mode asks for and gives up the writer lock.
func (t *boltTxn) Commit(mode bdb.CommitMode) bdb.ErrorCode {
	if t.done {
		return bdb.ErrInvalid
	}
	t.done = true

	if t.parent != nil {
		code := bdb.Success
		if t.parent.parent != nil {
			for bk, m := range t.writes {
				dst, ok := t.parent.writes[bk]
				if !ok {
					t.parent.writes[bk] = m
					continue
				}
				for k, e := range m {
					dst[k] = e
				}
			}
		} else {
			code = t.apply(t.parent.tx)
		}
		t.writes = nil
		return code
	}

	t.home.db.NoSync = !t.home.effSync(mode)
	err := t.tx.Commit()
	t.home.writerMu.Unlock()
	if err != nil {
		return fail("commit", t.home.path, err)
	}
	return bdb.Success
}

// apply writes a child's overlays into tx.
func (t *boltTxn) apply(tx *bbolt.Tx) bdb.ErrorCode {
	for bk, m := range t.writes {
		b := tx.Bucket([]byte(bk))
		if b == nil {
			return bdb.ErrNoEntry
		}
		for k, e := range m {
			var err error
			if e.del {
				err = b.Delete([]byte(k))
			} else {
				err = b.Put([]byte(k), e.value)
			}
			if err != nil {
				return mapErr(err)
			}
		}
	}
	return bdb.Success
}

// Abort discards the transaction. A top-level transaction rolls the bbolt
// transaction back and gives up the writer lock.
func (t *boltTxn) Abort() bdb.ErrorCode {
	if t.done {
		return bdb.ErrInvalid
	}
	t.done = true
	if t.parent != nil {
		t.writes = nil
		return bdb.Success
	}
	err := t.tx.Rollback()
	t.home.writerMu.Unlock()
	if err != nil {
		return fail("rollback", t.home.path, err)
	}
	return bdb.Success
}
