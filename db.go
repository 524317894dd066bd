package bdb

import (
	"os"
	"runtime"
	"sync/atomic"
)

// DBBuilder configures and opens a database.
type DBBuilder struct {
	eng   Engine
	env   *Env
	txn   *Txn
	file  string
	name  string
	typ   DBType
	flags Flags
	mode  os.FileMode
}

// NewDB returns a database builder. Databases default to the BTree
// collection type.
func NewDB() *DBBuilder {
	return &DBBuilder{typ: BTree}
}

// Environment binds the database to an open environment. The database
// holds a reference to it for its whole lifetime, so the environment
// cannot close first.
func (b *DBBuilder) Environment(env *Env) *DBBuilder {
	b.env = env
	return b
}

// Engine selects the engine for a standalone database, one opened without
// an Environment. Ignored when Environment is set.
func (b *DBBuilder) Engine(engine Engine) *DBBuilder {
	b.eng = engine
	return b
}

// Transaction makes the open itself part of txn, so creating the database
// is rolled back if txn aborts.
func (b *DBBuilder) Transaction(txn *Txn) *DBBuilder {
	b.txn = txn
	return b
}

// File sets the backing file path of the database.
func (b *DBBuilder) File(path string) *DBBuilder {
	b.file = path
	return b
}

// Name sets the logical database name inside the file. An empty name
// addresses the file's default database.
func (b *DBBuilder) Name(name string) *DBBuilder {
	b.name = name
	return b
}

// Type sets the collection type.
func (b *DBBuilder) Type(t DBType) *DBBuilder {
	b.typ = t
	return b
}

// SetFlags sets the database open flags.
func (b *DBBuilder) SetFlags(flags Flags) *DBBuilder {
	b.flags = flags
	return b
}

// Mode sets the file-creation mode. Zero selects the engine default.
func (b *DBBuilder) Mode(mode os.FileMode) *DBBuilder {
	b.mode = mode
	return b
}

// Open creates the engine database object and opens it with the configured
// parameters. If creation succeeds but the open fails, the created object
// is closed before the error returns; a partial failure never leaks the
// engine resource. Open panics only if the engine cannot allocate the
// database object at all.
func (b *DBBuilder) Open() (*DB, error) {
	th, err := b.txn.handle()
	if err != nil {
		return nil, err
	}

	eng := b.eng
	var envh EngineEnv
	if b.env != nil {
		if err := b.env.retain(); err != nil {
			return nil, err
		}
		eng = b.env.eng
		envh = b.env.h
	}
	if eng == nil {
		return nil, NewError(ErrInvalid)
	}

	h, code := eng.CreateDB(envh)
	if code != Success {
		panic("bdb: cannot allocate database: " + Strerror(code))
	}

	typ := b.typ
	if typ == 0 {
		typ = BTree
	}
	if code := h.Open(th, b.file, b.name, typ, b.flags, b.mode); code != Success {
		h.Close()
		if b.env != nil {
			b.env.release()
		}
		return nil, NewError(code)
	}
	if typ == Unknown {
		typ = h.Type()
	}

	db := &DB{env: b.env, h: h, typ: typ, file: b.file, name: b.name}
	db.refs.Store(1)
	runtime.SetFinalizer(db, (*DB).finalize)
	return db, nil
}

// DB is an open database, a single keyed collection. It is safe for
// concurrent use. A DB bound to an Environment holds a reference to it, so
// the environment's engine close is deferred until the database has fully
// closed; cursors in turn hold a reference to the DB.
type DB struct {
	env  *Env // nil for standalone databases
	h    EngineDB
	typ  DBType
	file string
	name string

	refs   atomic.Int64
	closed atomic.Bool
}

// Type returns the collection type the database was opened with.
func (d *DB) Type() DBType {
	return d.typ
}

// File returns the backing file path.
func (d *DB) File() string {
	return d.file
}

// Name returns the logical database name.
func (d *DB) Name() string {
	return d.name
}

func (d *DB) retain() error {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return NewError(ErrInvalid)
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// release drops a reference, closing the engine database when the last one
// goes. Close statuses have no return path and are logged and discarded.
// The environment reference is dropped only after the engine close, keeping
// the close order database-before-environment.
func (d *DB) release() {
	if d.refs.Add(-1) != 0 {
		return
	}
	if code := d.h.Close(); code != Success {
		log.Warnf("database close discarded status: %s", Strerror(code))
	}
	if d.env != nil {
		d.env.release()
	}
}

// Get looks up key, optionally inside txn (nil for none). An absent key is
// not an error: Get returns (nil, nil). The returned buffer is
// engine-owned; release it when done with the bytes.
func (d *DB) Get(txn *Txn, key []byte, flags Flags) (*Buffer, error) {
	th, err := txn.handle()
	if err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, NewError(ErrInvalid)
	}
	if err := d.retain(); err != nil {
		return nil, err
	}
	defer d.release()

	buf, code := d.h.Get(th, key, flags)
	if code == ErrNotFound {
		return nil, nil
	}
	if code != Success {
		return nil, NewError(code)
	}
	if d.env != nil {
		d.env.gets.Add(1)
	}
	return buf, nil
}

// Put stores the key/value pair, optionally inside txn. With NoOverwrite an
// existing key fails with ErrKeyExist.
func (d *DB) Put(txn *Txn, key, value []byte, flags Flags) error {
	th, err := txn.handle()
	if err != nil {
		return err
	}
	if d.closed.Load() {
		return NewError(ErrInvalid)
	}
	if err := d.retain(); err != nil {
		return err
	}
	defer d.release()

	if code := d.h.Put(th, key, value, flags); code != Success {
		return NewError(code)
	}
	if d.env != nil {
		d.env.puts.Add(1)
	}
	return nil
}

// Del removes the pair stored under key, optionally inside txn. Deleting
// an absent key fails with ErrNotFound; branch with IsNotFound.
func (d *DB) Del(txn *Txn, key []byte, flags Flags) error {
	th, err := txn.handle()
	if err != nil {
		return err
	}
	if d.closed.Load() {
		return NewError(ErrInvalid)
	}
	if err := d.retain(); err != nil {
		return err
	}
	defer d.release()

	if code := d.h.Del(th, key, flags); code != Success {
		return NewError(code)
	}
	if d.env != nil {
		d.env.dels.Add(1)
	}
	return nil
}

// Cursor opens a cursor over the database. The cursor holds a reference to
// the DB, so the database's engine close is deferred until the cursor
// closes.
func (d *DB) Cursor() (*Cursor, error) {
	if d.closed.Load() {
		return nil, NewError(ErrInvalid)
	}
	if err := d.retain(); err != nil {
		return nil, err
	}
	ch, code := d.h.OpenCursor()
	if code != Success {
		d.release()
		return nil, NewError(code)
	}
	c := &Cursor{db: d, h: ch}
	runtime.SetFinalizer(c, (*Cursor).finalize)
	return c, nil
}

// Sync flushes this database's buffered writes.
func (d *DB) Sync() error {
	if d.closed.Load() {
		return NewError(ErrInvalid)
	}
	if err := d.retain(); err != nil {
		return err
	}
	defer d.release()
	return statusErr(d.h.Sync())
}

// Close drops the holder's reference. The engine close runs once every
// cursor has also released; it must complete before the bound Environment
// can close. Further calls are no-ops.
func (d *DB) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(d, nil)
	d.release()
}

func (d *DB) finalize() {
	if d.closed.CompareAndSwap(false, true) {
		log.Warnf("database %q became unreachable without Close", d.file)
		d.release()
	}
}
