// Package mem provides a storage engine keeping all records in process
// memory.
//
// Data lives in a package-level registry keyed by environment home, so
// closing an environment and reopening the same home within one process
// sees the committed records again. Nothing survives the process.
//
// Every collection type is stored in an ordered B-tree keyed by the raw
// bytes, so BTree, Recno and Queue databases iterate in lexicographic key
// order and Hash databases happen to as well. Committed trees are never
// mutated in place: writers clone, mutate the clone and swap it in, which
// lets readers and cursors work lock-free on immutable snapshots.
package mem

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/go-bdb/bdb"
)

const btreeDegree = 32

// homes maps an environment home to its data. Standalone databases use a
// synthetic home derived from the file path; the NUL byte keeps the two
// namespaces from colliding.
var homes = xsync.NewMapOf[string, *homeData]()

// Discard drops every table stored under home. Handles already bound to
// the home keep working against the discarded data; the next Open starts
// empty.
func Discard(home string) {
	homes.Delete(home)
}

type homeData struct {
	// writerMu serializes writers across the whole home. Top-level
	// transactions hold it from Begin to resolution; auto-commit writes
	// hold it per call.
	writerMu sync.Mutex

	// dbs maps file + "\x00" + name to a table.
	dbs *xsync.MapOf[string, *memTable]
}

func newHomeData() *homeData {
	return &homeData{dbs: xsync.NewMapOf[string, *memTable]()}
}

func tableKey(file, name string) string {
	return file + "\x00" + name
}

// memTable is one keyed collection. tree always holds a non-nil B-tree of
// *record items that is immutable once stored.
type memTable struct {
	typ  bdb.DBType
	tree atomic.Pointer[btree.BTree]
}

func newMemTable(typ bdb.DBType) *memTable {
	t := &memTable{typ: typ}
	t.tree.Store(btree.New(btreeDegree))
	return t
}

// record is a key/value pair ordered by key bytes.
type record struct {
	key   []byte
	value []byte
}

func (r *record) Less(than btree.Item) bool {
	return bytes.Compare(r.key, than.(*record).key) < 0
}

var bufPool = sync.Pool{New: func() any { return new([]byte) }}

// copyOut copies src into a pooled buffer and hands it out as an
// engine-owned Buffer whose release returns the allocation to the pool.
func copyOut(src []byte) *bdb.Buffer {
	bp := bufPool.Get().(*[]byte)
	b := append((*bp)[:0], src...)
	if b == nil {
		b = make([]byte, 0)
	}
	*bp = b
	return bdb.Owned(b, func() { bufPool.Put(bp) })
}

type memEngine struct{}

// New returns the in-memory engine.
func New() bdb.Engine {
	return memEngine{}
}

func (memEngine) Name() string { return "mem" }

func (memEngine) CreateEnv() (bdb.EngineEnv, bdb.ErrorCode) {
	return &memEnv{}, bdb.Success
}

func (memEngine) CreateDB(env bdb.EngineEnv) (bdb.EngineDB, bdb.ErrorCode) {
	if env == nil {
		return &memDB{}, bdb.Success
	}
	e, ok := env.(*memEnv)
	if !ok {
		return nil, bdb.ErrInvalid
	}
	return &memDB{env: e}, bdb.Success
}

// memEnv implements bdb.EngineEnv.
type memEnv struct {
	home     string
	data     *homeData
	readOnly bool
	open     bool
}

func (e *memEnv) Open(home string, flags bdb.Flags, _ os.FileMode) bdb.ErrorCode {
	if e.open {
		return bdb.ErrInvalid
	}
	if flags&bdb.Create == 0 {
		data, ok := homes.Load(home)
		if !ok {
			return bdb.ErrNoEntry
		}
		e.data = data
	} else {
		data, _ := homes.LoadOrCompute(home, newHomeData)
		e.data = data
	}
	e.home = home
	e.readOnly = flags&bdb.ReadOnly != 0
	e.open = true
	log.Debugf("opened home %q (read-only=%v)", home, e.readOnly)
	return bdb.Success
}

func (e *memEnv) Close() bdb.ErrorCode {
	if !e.open {
		return bdb.Success
	}
	e.open = false
	e.data = nil
	log.Debugf("closed home %q", e.home)
	return bdb.Success
}

func (e *memEnv) Begin(parent bdb.EngineTxn, flags bdb.Flags) (bdb.EngineTxn, bdb.ErrorCode) {
	if !e.open {
		return nil, bdb.ErrInvalid
	}
	if parent != nil {
		p, ok := parent.(*memTxn)
		if !ok || p.done || p.data != e.data {
			return nil, bdb.ErrInvalid
		}
		return newMemTxn(e, p), bdb.Success
	}
	if flags&bdb.TxnNoWait != 0 {
		if !e.data.writerMu.TryLock() {
			return nil, bdb.ErrLockNotGranted
		}
	} else {
		e.data.writerMu.Lock()
	}
	return newMemTxn(e, nil), bdb.Success
}

// Sync is a no-op: there is no stable storage to flush to.
func (e *memEnv) Sync() bdb.ErrorCode {
	if !e.open {
		return bdb.ErrInvalid
	}
	return bdb.Success
}

// memDB implements bdb.EngineDB.
type memDB struct {
	env   *memEnv
	data  *homeData
	table *memTable
	ro    bool
}

func (d *memDB) Open(txn bdb.EngineTxn, file, name string, typ bdb.DBType, flags bdb.Flags, _ os.FileMode) bdb.ErrorCode {
	if d.table != nil {
		return bdb.ErrInvalid
	}
	t, code := d.resolveTxn(txn)
	if code != bdb.Success {
		return code
	}
	if d.env != nil {
		if !d.env.open {
			return bdb.ErrInvalid
		}
		d.data = d.env.data
		d.ro = d.env.readOnly
	} else {
		// Standalone database: a private home keyed by the file path, so
		// reopening the same file within the process sees the same data.
		data, _ := homes.LoadOrCompute("\x00file:"+file, newHomeData)
		d.data = data
	}

	key := tableKey(file, name)
	tbl, ok := d.data.dbs.Load(key)
	switch {
	case !ok && typ == bdb.Unknown:
		return bdb.ErrInvalid
	case !ok && flags&bdb.Create == 0:
		return bdb.ErrNoEntry
	case !ok:
		if d.ro {
			return bdb.ErrAccess
		}
		tbl, _ = d.data.dbs.LoadOrCompute(key, func() *memTable {
			return newMemTable(typ)
		})
	case flags&bdb.Create != 0 && flags&bdb.Excl != 0:
		return bdb.ErrExist
	}
	if typ != bdb.Unknown && tbl.typ != typ {
		return bdb.ErrInvalid
	}

	if flags&bdb.Truncate != 0 {
		if d.ro {
			return bdb.ErrAccess
		}
		if t != nil {
			t.tables[tbl] = btree.New(btreeDegree)
		} else {
			d.data.writerMu.Lock()
			tbl.tree.Store(btree.New(btreeDegree))
			d.data.writerMu.Unlock()
		}
	}
	d.table = tbl
	return bdb.Success
}

func (d *memDB) Type() bdb.DBType {
	if d.table == nil {
		return bdb.Unknown
	}
	return d.table.typ
}

func (d *memDB) Close() bdb.ErrorCode {
	d.table = nil
	d.data = nil
	return bdb.Success
}

// resolveTxn checks that txn, when non-nil, is a live transaction of this
// engine on the same home.
func (d *memDB) resolveTxn(txn bdb.EngineTxn) (*memTxn, bdb.ErrorCode) {
	if txn == nil {
		return nil, bdb.Success
	}
	t, ok := txn.(*memTxn)
	if !ok || t.done {
		return nil, bdb.ErrInvalid
	}
	if d.data != nil && t.data != d.data {
		return nil, bdb.ErrInvalid
	}
	return t, bdb.Success
}

func (d *memDB) Get(txn bdb.EngineTxn, key []byte, _ bdb.Flags) (*bdb.Buffer, bdb.ErrorCode) {
	if d.table == nil {
		return nil, bdb.ErrInvalid
	}
	if len(key) == 0 {
		return nil, bdb.ErrKeyEmpty
	}
	t, code := d.resolveTxn(txn)
	if code != bdb.Success {
		return nil, code
	}
	var tree *btree.BTree
	if t != nil {
		tree = t.view(d.table)
	} else {
		tree = d.table.tree.Load()
	}
	item := tree.Get(&record{key: key})
	if item == nil {
		return nil, bdb.ErrNotFound
	}
	return copyOut(item.(*record).value), bdb.Success
}

func (d *memDB) Put(txn bdb.EngineTxn, key, value []byte, flags bdb.Flags) bdb.ErrorCode {
	if d.table == nil {
		return bdb.ErrInvalid
	}
	if d.ro {
		return bdb.ErrAccess
	}
	if len(key) == 0 {
		return bdb.ErrKeyEmpty
	}
	t, code := d.resolveTxn(txn)
	if code != bdb.Success {
		return code
	}
	rec := &record{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	}
	if rec.value == nil {
		rec.value = make([]byte, 0)
	}
	if t != nil {
		tree := t.working(d.table)
		if flags&bdb.NoOverwrite != 0 && tree.Has(rec) {
			return bdb.ErrKeyExist
		}
		tree.ReplaceOrInsert(rec)
		return bdb.Success
	}
	d.data.writerMu.Lock()
	defer d.data.writerMu.Unlock()
	tree := d.table.tree.Load().Clone()
	if flags&bdb.NoOverwrite != 0 && tree.Has(rec) {
		return bdb.ErrKeyExist
	}
	tree.ReplaceOrInsert(rec)
	d.table.tree.Store(tree)
	return bdb.Success
}

func (d *memDB) Del(txn bdb.EngineTxn, key []byte, _ bdb.Flags) bdb.ErrorCode {
	if d.table == nil {
		return bdb.ErrInvalid
	}
	if d.ro {
		return bdb.ErrAccess
	}
	if len(key) == 0 {
		return bdb.ErrKeyEmpty
	}
	t, code := d.resolveTxn(txn)
	if code != bdb.Success {
		return code
	}
	probe := &record{key: key}
	if t != nil {
		tree := t.working(d.table)
		if tree.Delete(probe) == nil {
			return bdb.ErrNotFound
		}
		return bdb.Success
	}
	d.data.writerMu.Lock()
	defer d.data.writerMu.Unlock()
	tree := d.table.tree.Load().Clone()
	if tree.Delete(probe) == nil {
		return bdb.ErrNotFound
	}
	d.table.tree.Store(tree)
	return bdb.Success
}

func (d *memDB) OpenCursor() (bdb.EngineCursor, bdb.ErrorCode) {
	if d.table == nil {
		return nil, bdb.ErrInvalid
	}
	return &memCursor{tree: d.table.tree.Load()}, bdb.Success
}

// Sync is a no-op: there is no stable storage to flush to.
func (d *memDB) Sync() bdb.ErrorCode {
	if d.table == nil {
		return bdb.ErrInvalid
	}
	return bdb.Success
}
