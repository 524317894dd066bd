// Package bolt provides a storage engine backed by bbolt.
//
// An environment home maps to a single bbolt file inside it; every
// file/name database pair becomes a bucket in that file, so one engine
// transaction can span all databases of the home. A catalog bucket
// records each database's collection type. Standalone databases open a
// bbolt file at the database's own file path.
//
// bbolt allows one writer per file and takes an exclusive file lock, so
// open files are shared process-wide and reference counted; the writer
// lock is taken by top-level transactions for their whole lifetime.
package bolt

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/go-bdb/bdb"
)

// FileName is the bbolt data file created inside an environment home.
const FileName = "data.bolt"

// catalogBucket maps a table key to a one-byte collection type.
var catalogBucket = []byte("__catalog")

var (
	homesMu sync.Mutex
	homes   = make(map[string]*boltHome)
)

// boltHome is one open bbolt file, shared by every environment handle and
// standalone database bound to it.
type boltHome struct {
	path string
	db   *bbolt.DB
	refs int

	// writerMu serializes writers. Top-level transactions hold it from
	// Begin to resolution; auto-commit writes hold it per call. bbolt's
	// NoSync toggle is only touched while holding it.
	writerMu sync.Mutex

	readOnly bool
	noSync   bool
}

// openHome opens or shares the bbolt file at path. The file itself is
// opened with NoSync set; commit durability is decided per transaction by
// an explicit sync.
func openHome(path string, flags bdb.Flags, mode os.FileMode) (*boltHome, bdb.ErrorCode) {
	if mode == 0 {
		mode = 0644
	}
	readOnly := flags&bdb.ReadOnly != 0

	homesMu.Lock()
	defer homesMu.Unlock()

	if h, ok := homes[path]; ok {
		if h.readOnly != readOnly {
			return nil, bdb.ErrInvalid
		}
		h.refs++
		return h, bdb.Success
	}

	if flags&bdb.Create == 0 {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, bdb.ErrNoEntry
		}
	}
	db, err := bbolt.Open(path, mode, &bbolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   true,
		ReadOnly: readOnly,
		// Cursors pin read transactions for their whole traversal; a
		// large initial map keeps writers from waiting on a remap
		// behind them.
		InitialMmapSize: 1 << 30,
	})
	if err != nil {
		return nil, fail("open", path, err)
	}
	if !readOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(catalogBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fail("init catalog", path, err)
		}
	}
	h := &boltHome{
		path:     path,
		db:       db,
		refs:     1,
		readOnly: readOnly,
		noSync:   flags&bdb.NoSync != 0,
	}
	homes[path] = h
	return h, bdb.Success
}

// closeHome drops one reference, closing the file when the last goes.
func closeHome(h *boltHome) bdb.ErrorCode {
	homesMu.Lock()
	defer homesMu.Unlock()
	h.refs--
	if h.refs > 0 {
		return bdb.Success
	}
	delete(homes, h.path)
	if err := h.db.Close(); err != nil {
		return fail("close", h.path, err)
	}
	return bdb.Success
}

// sync flushes the data file. Safe without the writer lock; bbolt
// serializes against its own page writes.
func (h *boltHome) sync() bdb.ErrorCode {
	if err := h.db.Sync(); err != nil {
		return fail("sync", h.path, err)
	}
	return bdb.Success
}

// effSync reports whether a commit under mode must reach stable storage.
func (h *boltHome) effSync(mode bdb.CommitMode) bool {
	switch mode {
	case bdb.CommitSync:
		return true
	case bdb.CommitNoSync:
		return false
	default:
		return !h.noSync
	}
}

func tableKey(file, name string) []byte {
	return []byte(file + "\x00" + name)
}

// fail logs err with its operation context and maps it to a status code.
func fail(op, path string, err error) bdb.ErrorCode {
	err = errors.Wrapf(err, "bolt: %s %s", op, path)
	log.Debugf("%v", err)
	return mapErr(err)
}

// mapErr translates bbolt and OS errors to status codes.
func mapErr(err error) bdb.ErrorCode {
	switch {
	case err == nil:
		return bdb.Success
	case errors.Is(err, bbolt.ErrTimeout):
		return bdb.ErrAgain
	case errors.Is(err, bbolt.ErrKeyRequired):
		return bdb.ErrKeyEmpty
	case errors.Is(err, bbolt.ErrBucketNotFound):
		return bdb.ErrNoEntry
	case errors.Is(err, bbolt.ErrBucketExists):
		return bdb.ErrExist
	case errors.Is(err, bbolt.ErrDatabaseNotOpen), errors.Is(err, bbolt.ErrTxClosed),
		errors.Is(err, bbolt.ErrTxNotWritable), errors.Is(err, bbolt.ErrDatabaseReadOnly):
		return bdb.ErrInvalid
	case errors.Is(err, bbolt.ErrKeyTooLarge), errors.Is(err, bbolt.ErrValueTooLarge):
		return bdb.ErrInvalid
	case os.IsNotExist(errors.Cause(err)):
		return bdb.ErrNoEntry
	case os.IsPermission(errors.Cause(err)):
		return bdb.ErrAccess
	default:
		return bdb.ErrIO
	}
}

var bufPool = sync.Pool{New: func() any { return new([]byte) }}

// copyOut copies src, which is only valid while its bbolt transaction is
// open, into a pooled engine-owned buffer.
func copyOut(src []byte) *bdb.Buffer {
	bp := bufPool.Get().(*[]byte)
	b := append((*bp)[:0], src...)
	if b == nil {
		b = make([]byte, 0)
	}
	*bp = b
	return bdb.Owned(b, func() { bufPool.Put(bp) })
}

// seek reports whether key exists in bucket and returns its value. Unlike
// Get, this stays unambiguous for zero-length values.
func seek(b *bbolt.Bucket, key []byte) ([]byte, bool) {
	k, v := b.Cursor().Seek(key)
	if k == nil || !bytes.Equal(k, key) {
		return nil, false
	}
	return v, true
}

type boltEngine struct{}

// New returns the bbolt-backed engine.
func New() bdb.Engine {
	return boltEngine{}
}

func (boltEngine) Name() string { return "bolt" }

func (boltEngine) CreateEnv() (bdb.EngineEnv, bdb.ErrorCode) {
	return &boltEnv{}, bdb.Success
}

func (boltEngine) CreateDB(env bdb.EngineEnv) (bdb.EngineDB, bdb.ErrorCode) {
	if env == nil {
		return &boltDB{}, bdb.Success
	}
	e, ok := env.(*boltEnv)
	if !ok {
		return nil, bdb.ErrInvalid
	}
	return &boltDB{env: e}, bdb.Success
}
