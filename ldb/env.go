package ldb

import (
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/go-bdb/bdb"
)

// ldbEnv implements bdb.EngineEnv.
type ldbEnv struct {
	home *ldbHome
}

func (e *ldbEnv) Open(home string, flags bdb.Flags, _ os.FileMode) bdb.ErrorCode {
	if e.home != nil {
		return bdb.ErrInvalid
	}
	h, code := openHome(filepath.Join(home, StoreName), flags)
	if code != bdb.Success {
		return code
	}
	e.home = h
	log.Debugf("opened %s (read-only=%v nosync=%v)", h.path, h.readOnly, h.noSync)
	return bdb.Success
}

func (e *ldbEnv) Close() bdb.ErrorCode {
	if e.home == nil {
		return bdb.Success
	}
	h := e.home
	e.home = nil
	return closeHome(h)
}

func (e *ldbEnv) Begin(parent bdb.EngineTxn, flags bdb.Flags) (bdb.EngineTxn, bdb.ErrorCode) {
	if e.home == nil {
		return nil, bdb.ErrInvalid
	}
	return beginTxn(e.home, parent, flags)
}

func (e *ldbEnv) Sync() bdb.ErrorCode {
	if e.home == nil {
		return bdb.ErrInvalid
	}
	return e.home.sync()
}

// ldbDB implements bdb.EngineDB. Standalone databases (nil env) bind to a
// store at the database's own file path.
type ldbDB struct {
	env   *ldbEnv
	home  *ldbHome
	tk    string
	typ   bdb.DBType
	owned bool // home opened by this handle, closed with it
}

func (d *ldbDB) Open(txn bdb.EngineTxn, file, name string, typ bdb.DBType, flags bdb.Flags, _ os.FileMode) bdb.ErrorCode {
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
		h, code := openHome(file, flags)
		if code != bdb.Success {
			return code
		}
		d.home = h
		d.owned = true
	}
	if t != nil && t.home != d.home {
		d.drop()
		return bdb.ErrInvalid
	}

	tk := tableKey(file, name)
	code = d.openTable(t, tk, typ, flags)
	if code != bdb.Success {
		d.drop()
		return code
	}
	d.tk = tk
	return bdb.Success
}

// openTable creates or checks the table's catalog entry, inside t when
// given so the creation rolls back with it.
func (d *ldbDB) openTable(t *ldbTxn, tk string, typ bdb.DBType, flags bdb.Flags) bdb.ErrorCode {
	ck := catalogKey(tk)

	var have []byte
	var ok bool
	if t != nil {
		v, found, code := t.view(ck)
		if code != bdb.Success {
			return code
		}
		have, ok = v, found
	} else {
		v, err := d.home.db.Get(ck, nil)
		if err != nil && mapErr(err) != bdb.ErrNotFound {
			return fail("open table", d.home.path, err)
		}
		have, ok = v, err == nil
	}

	switch {
	case !ok && typ == bdb.Unknown:
		return bdb.ErrInvalid
	case !ok && flags&bdb.Create == 0:
		return bdb.ErrNoEntry
	case !ok:
		if d.home.readOnly {
			return bdb.ErrAccess
		}
		if t != nil {
			t.set(ck, []byte{byte(typ)})
		} else {
			d.home.writerMu.Lock()
			err := d.home.db.Put(ck, []byte{byte(typ)}, d.writeOptions())
			d.home.writerMu.Unlock()
			if err != nil {
				return fail("create table", d.home.path, err)
			}
		}
		d.typ = typ
	case flags&bdb.Create != 0 && flags&bdb.Excl != 0:
		return bdb.ErrExist
	default:
		d.typ = typ
		if len(have) == 1 {
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
		return d.truncate(t, tk)
	}
	return bdb.Success
}

// truncate deletes every record of the table, inside t when given.
func (d *ldbDB) truncate(t *ldbTxn, tk string) bdb.ErrorCode {
	if t != nil {
		return t.truncate(tk)
	}
	d.home.writerMu.Lock()
	defer d.home.writerMu.Unlock()
	batch := new(leveldb.Batch)
	iter := d.home.db.NewIterator(prefixRange(tk), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return fail("truncate", d.home.path, err)
	}
	if err := d.home.db.Write(batch, d.writeOptions()); err != nil {
		return fail("truncate", d.home.path, err)
	}
	return bdb.Success
}

func (d *ldbDB) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: !d.home.noSync}
}

func (d *ldbDB) Type() bdb.DBType {
	if d.home == nil {
		return bdb.Unknown
	}
	return d.typ
}

func (d *ldbDB) drop() {
	if d.owned && d.home != nil {
		closeHome(d.home)
	}
	d.home = nil
	d.owned = false
}

func (d *ldbDB) Close() bdb.ErrorCode {
	if d.home == nil {
		return bdb.Success
	}
	var code bdb.ErrorCode = bdb.Success
	if d.owned {
		code = closeHome(d.home)
	}
	d.home = nil
	d.tk = ""
	d.owned = false
	return code
}

func (d *ldbDB) Get(txn bdb.EngineTxn, key []byte, _ bdb.Flags) (*bdb.Buffer, bdb.ErrorCode) {
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
	dk := dataKey(d.tk, key)
	if t != nil {
		if t.home != d.home {
			return nil, bdb.ErrInvalid
		}
		v, ok, code := t.view(dk)
		if code != bdb.Success {
			return nil, code
		}
		if !ok {
			return nil, bdb.ErrNotFound
		}
		return copyOut(v), bdb.Success
	}
	v, err := d.home.db.Get(dk, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return copyOut(v), bdb.Success
}

func (d *ldbDB) Put(txn bdb.EngineTxn, key, value []byte, flags bdb.Flags) bdb.ErrorCode {
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
	dk := dataKey(d.tk, key)
	if t != nil {
		if t.home != d.home {
			return bdb.ErrInvalid
		}
		if flags&bdb.NoOverwrite != 0 {
			_, ok, code := t.view(dk)
			if code != bdb.Success {
				return code
			}
			if ok {
				return bdb.ErrKeyExist
			}
		}
		t.set(dk, value)
		return bdb.Success
	}
	d.home.writerMu.Lock()
	defer d.home.writerMu.Unlock()
	if flags&bdb.NoOverwrite != 0 {
		ok, err := d.home.db.Has(dk, nil)
		if err != nil {
			return fail("put", d.home.path, err)
		}
		if ok {
			return bdb.ErrKeyExist
		}
	}
	if err := d.home.db.Put(dk, value, d.writeOptions()); err != nil {
		return fail("put", d.home.path, err)
	}
	return bdb.Success
}

func (d *ldbDB) Del(txn bdb.EngineTxn, key []byte, _ bdb.Flags) bdb.ErrorCode {
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
	dk := dataKey(d.tk, key)
	if t != nil {
		if t.home != d.home {
			return bdb.ErrInvalid
		}
		_, ok, code := t.view(dk)
		if code != bdb.Success {
			return code
		}
		if !ok {
			return bdb.ErrNotFound
		}
		t.del(dk)
		return bdb.Success
	}
	d.home.writerMu.Lock()
	defer d.home.writerMu.Unlock()
	ok, err := d.home.db.Has(dk, nil)
	if err != nil {
		return fail("del", d.home.path, err)
	}
	if !ok {
		return bdb.ErrNotFound
	}
	if err := d.home.db.Delete(dk, d.writeOptions()); err != nil {
		return fail("del", d.home.path, err)
	}
	return bdb.Success
}

func (d *ldbDB) OpenCursor() (bdb.EngineCursor, bdb.ErrorCode) {
	if d.home == nil {
		return nil, bdb.ErrInvalid
	}
	return openCursor(d.home, d.tk)
}

func (d *ldbDB) Sync() bdb.ErrorCode {
	if d.home == nil {
		return bdb.ErrInvalid
	}
	return d.home.sync()
}
