package bolt

import (
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/go-bdb/bdb"
)

// boltEnv implements bdb.EngineEnv.
type boltEnv struct {
	home *boltHome
}

func (e *boltEnv) Open(home string, flags bdb.Flags, mode os.FileMode) bdb.ErrorCode {
	if e.home != nil {
		return bdb.ErrInvalid
	}
	h, code := openHome(filepath.Join(home, FileName), flags, mode)
	if code != bdb.Success {
		return code
	}
	e.home = h
	log.Debugf("opened %s (read-only=%v nosync=%v)", h.path, h.readOnly, h.noSync)
	return bdb.Success
}

func (e *boltEnv) Close() bdb.ErrorCode {
	if e.home == nil {
		return bdb.Success
	}
	h := e.home
	e.home = nil
	return closeHome(h)
}

func (e *boltEnv) Begin(parent bdb.EngineTxn, flags bdb.Flags) (bdb.EngineTxn, bdb.ErrorCode) {
	if e.home == nil {
		return nil, bdb.ErrInvalid
	}
	return beginTxn(e.home, parent, flags)
}

func (e *boltEnv) Sync() bdb.ErrorCode {
	if e.home == nil {
		return bdb.ErrInvalid
	}
	return e.home.sync()
}

// boltDB implements bdb.EngineDB. Standalone databases (nil env) bind to
// a bbolt file at the database's own file path.
type boltDB struct {
	env    *boltEnv
	home   *boltHome
	bucket []byte
	typ    bdb.DBType
	owned  bool // home opened by this handle, closed with it
}

func (d *boltDB) Open(txn bdb.EngineTxn, file, name string, typ bdb.DBType, flags bdb.Flags, mode os.FileMode) bdb.ErrorCode {
	if d.home != nil {
		return bdb.ErrInvalid
	}
	t, code := resolveTxn(txn)
	if code != bdb.Success {
		return code
	}
	if d.env != nil {
		if d.env.home == nil {
			return bdb.ErrInvalid
		}
		d.home = d.env.home
	} else {
		h, code := openHome(file, flags, mode)
		if code != bdb.Success {
			return code
		}
		d.home = h
		d.owned = true
	}
	if t != nil && t.root().home != d.home {
		d.drop()
		return bdb.ErrInvalid
	}

	bk := tableKey(file, name)
	code = d.openTable(t, bk, typ, flags)
	if code != bdb.Success {
		d.drop()
		return code
	}
	d.bucket = bk
	return bdb.Success
}

// openTable creates or checks the table bucket and its catalog entry,
// inside t when given so the creation rolls back with it.
func (d *boltDB) openTable(t *boltTxn, bk []byte, typ bdb.DBType, flags bdb.Flags) bdb.ErrorCode {
	do := func(tx *bbolt.Tx) bdb.ErrorCode {
		cat := tx.Bucket(catalogBucket)
		if cat == nil {
			return bdb.ErrNoEntry
		}
		existing := tx.Bucket(bk)
		switch {
		case existing == nil && typ == bdb.Unknown:
			return bdb.ErrInvalid
		case existing == nil && flags&bdb.Create == 0:
			return bdb.ErrNoEntry
		case existing == nil:
			if d.home.readOnly {
				return bdb.ErrAccess
			}
			if _, err := tx.CreateBucket(bk); err != nil {
				return mapErr(err)
			}
			if err := cat.Put(bk, []byte{byte(typ)}); err != nil {
				return mapErr(err)
			}
			d.typ = typ
		case flags&bdb.Create != 0 && flags&bdb.Excl != 0:
			return bdb.ErrExist
		default:
			d.typ = typ
			if have := cat.Get(bk); len(have) == 1 {
				stored := bdb.DBType(have[0])
				if typ != bdb.Unknown && stored != typ {
					return bdb.ErrInvalid
				}
				d.typ = stored
			}
		}
		if flags&bdb.Truncate != 0 {
			if d.home.readOnly {
				return bdb.ErrAccess
			}
			if err := tx.DeleteBucket(bk); err != nil {
				return mapErr(err)
			}
			if _, err := tx.CreateBucket(bk); err != nil {
				return mapErr(err)
			}
		}
		return bdb.Success
	}

	if t != nil {
		return do(t.root().tx)
	}
	// Read-only files reject bbolt write transactions outright; go through
	// a read transaction when nothing may be created anyway.
	if d.home.readOnly {
		var code bdb.ErrorCode
		err := d.home.db.View(func(tx *bbolt.Tx) error {
			code = do(tx)
			return nil
		})
		if err != nil {
			return fail("open table", d.home.path, err)
		}
		return code
	}
	d.home.writerMu.Lock()
	defer d.home.writerMu.Unlock()
	var code bdb.ErrorCode
	d.home.db.NoSync = d.home.noSync
	err := d.home.db.Update(func(tx *bbolt.Tx) error {
		code = do(tx)
		if code != bdb.Success {
			return errRollback
		}
		return nil
	})
	if err != nil && code == bdb.Success {
		return fail("open table", d.home.path, err)
	}
	return code
}

func (d *boltDB) Type() bdb.DBType {
	if d.home == nil {
		return bdb.Unknown
	}
	return d.typ
}

func (d *boltDB) drop() {
	if d.owned && d.home != nil {
		closeHome(d.home)
	}
	d.home = nil
	d.owned = false
}

func (d *boltDB) Close() bdb.ErrorCode {
	if d.home == nil {
		return bdb.Success
	}
	var code bdb.ErrorCode = bdb.Success
	if d.owned {
		code = closeHome(d.home)
	}
	d.home = nil
	d.bucket = nil
	d.owned = false
	return code
}

func (d *boltDB) Get(txn bdb.EngineTxn, key []byte, _ bdb.Flags) (*bdb.Buffer, bdb.ErrorCode) {
	if d.home == nil {
		return nil, bdb.ErrInvalid
	}
	if len(key) == 0 {
		return nil, bdb.ErrKeyEmpty
	}
	t, code := resolveTxn(txn)
	if code != bdb.Success {
		return nil, code
	}
	if t != nil {
		if t.root().home != d.home {
			return nil, bdb.ErrInvalid
		}
		return t.get(d.bucket, key)
	}
	var buf *bdb.Buffer
	code = bdb.ErrNotFound
	err := d.home.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			code = bdb.ErrNoEntry
			return nil
		}
		if v, ok := seek(b, key); ok {
			buf = copyOut(v)
			code = bdb.Success
		}
		return nil
	})
	if err != nil {
		return nil, fail("get", d.home.path, err)
	}
	return buf, code
}

func (d *boltDB) Put(txn bdb.EngineTxn, key, value []byte, flags bdb.Flags) bdb.ErrorCode {
	if d.home == nil {
		return bdb.ErrInvalid
	}
	if d.home.readOnly {
		return bdb.ErrAccess
	}
	if len(key) == 0 {
		return bdb.ErrKeyEmpty
	}
	t, code := resolveTxn(txn)
	if code != bdb.Success {
		return code
	}
	if t != nil {
		if t.root().home != d.home {
			return bdb.ErrInvalid
		}
		return t.put(d.bucket, key, value, flags)
	}
	return d.autoCommit(func(b *bbolt.Bucket) bdb.ErrorCode {
		if flags&bdb.NoOverwrite != 0 {
			if _, ok := seek(b, key); ok {
				return bdb.ErrKeyExist
			}
		}
		return mapErr(b.Put(key, value))
	})
}

func (d *boltDB) Del(txn bdb.EngineTxn, key []byte, _ bdb.Flags) bdb.ErrorCode {
	if d.home == nil {
		return bdb.ErrInvalid
	}
	if d.home.readOnly {
		return bdb.ErrAccess
	}
	if len(key) == 0 {
		return bdb.ErrKeyEmpty
	}
	t, code := resolveTxn(txn)
	if code != bdb.Success {
		return code
	}
	if t != nil {
		if t.root().home != d.home {
			return bdb.ErrInvalid
		}
		return t.del(d.bucket, key)
	}
	return d.autoCommit(func(b *bbolt.Bucket) bdb.ErrorCode {
		if _, ok := seek(b, key); !ok {
			return bdb.ErrNotFound
		}
		return mapErr(b.Delete(key))
	})
}

// autoCommit runs op against the table bucket in a write transaction of
// its own, under the home writer lock and the environment's default
// durability.
func (d *boltDB) autoCommit(op func(b *bbolt.Bucket) bdb.ErrorCode) bdb.ErrorCode {
	d.home.writerMu.Lock()
	defer d.home.writerMu.Unlock()
	var code bdb.ErrorCode
	d.home.db.NoSync = d.home.noSync
	err := d.home.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(d.bucket)
		if b == nil {
			code = bdb.ErrNoEntry
			return errRollback
		}
		code = op(b)
		if code != bdb.Success {
			return errRollback
		}
		return nil
	})
	if err != nil && code == bdb.Success {
		return fail("write", d.home.path, err)
	}
	return code
}

func (d *boltDB) OpenCursor() (bdb.EngineCursor, bdb.ErrorCode) {
	if d.home == nil {
		return nil, bdb.ErrInvalid
	}
	return openCursor(d.home, d.bucket)
}

func (d *boltDB) Sync() bdb.ErrorCode {
	if d.home == nil {
		return bdb.ErrInvalid
	}
	return d.home.sync()
}
