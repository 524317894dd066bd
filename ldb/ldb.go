// Package ldb provides a storage engine backed by goleveldb.
//
// An environment home maps to one LevelDB store inside it. Databases
// share its keyspace through a length-prefixed table encoding, so one
// engine transaction can span all databases of the home; a catalog entry
// per table records the collection type. Standalone databases open a
// store at the database's own file path.
//
// LevelDB has no transactions of its own. A top-level transaction pairs
// a snapshot for reads with an overlay of pending writes that commit
// turns into one atomic batch; children stack further overlays on top.
package ldb

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/go-bdb/bdb"
)

// StoreName is the LevelDB directory created inside an environment home.
const StoreName = "leveldb"

var (
	homesMu sync.Mutex
	homes   = make(map[string]*ldbHome)
)

// ldbHome is one open LevelDB store, shared by every environment handle
// and standalone database bound to it.
type ldbHome struct {
	path string
	db   *leveldb.DB
	refs int

	// writerMu serializes writers. Top-level transactions hold it from
	// Begin to resolution; auto-commit writes hold it per call.
	writerMu sync.Mutex

	readOnly bool
	noSync   bool
}

// openHome opens or shares the store at path. With the Recover flag a
// corrupted store is salvaged in place; without it corruption maps to
// ErrRunRecovery.
func openHome(path string, flags bdb.Flags) (*ldbHome, bdb.ErrorCode) {
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

	o := &opt.Options{
		ErrorIfMissing: flags&bdb.Create == 0,
		ReadOnly:       readOnly,
	}
	db, err := leveldb.OpenFile(path, o)
	if err != nil && ldberrors.IsCorrupted(err) {
		if flags&bdb.Recover == 0 {
			log.Warnf("store %s is corrupted, open with Recover to salvage: %v", path, err)
			return nil, bdb.ErrRunRecovery
		}
		log.Infof("recovering corrupted store %s", path)
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, fail("open", path, err)
	}
	h := &ldbHome{
		path:     path,
		db:       db,
		refs:     1,
		readOnly: readOnly,
		noSync:   flags&bdb.NoSync != 0,
	}
	homes[path] = h
	return h, bdb.Success
}

// closeHome drops one reference, closing the store when the last goes.
func closeHome(h *ldbHome) bdb.ErrorCode {
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

// sync forces the write-ahead log to stable storage by writing an empty
// synced batch.
func (h *ldbHome) sync() bdb.ErrorCode {
	err := h.db.Write(new(leveldb.Batch), &opt.WriteOptions{Sync: true})
	if err != nil {
		return fail("sync", h.path, err)
	}
	return bdb.Success
}

// effSync reports whether a commit under mode must reach stable storage.
func (h *ldbHome) effSync(mode bdb.CommitMode) bool {
	switch mode {
	case bdb.CommitSync:
		return true
	case bdb.CommitNoSync:
		return false
	default:
		return !h.noSync
	}
}

// Key encoding. A table key is file + "\x00" + name. Data records live
// under 'd' || uvarint(len(tk)) || tk || key, catalog entries under
// 'c' || tk with the collection type as a single byte.

func tableKey(file, name string) string {
	return file + "\x00" + name
}

func dataPrefix(tk string) []byte {
	buf := make([]byte, 1, 1+binary.MaxVarintLen64+len(tk))
	buf[0] = 'd'
	buf = binary.AppendUvarint(buf, uint64(len(tk)))
	return append(buf, tk...)
}

func dataKey(tk string, key []byte) []byte {
	return append(dataPrefix(tk), key...)
}

func catalogKey(tk string) []byte {
	return append([]byte{'c'}, tk...)
}

// prefixRange bounds an iterator to one table's records.
func prefixRange(tk string) *util.Range {
	return util.BytesPrefix(dataPrefix(tk))
}

// fail logs err with its operation context and maps it to a status code.
func fail(op, path string, err error) bdb.ErrorCode {
	err = errors.Wrapf(err, "ldb: %s %s", op, path)
	log.Debugf("%v", err)
	return mapErr(err)
}

// mapErr translates goleveldb and OS errors to status codes.
func mapErr(err error) bdb.ErrorCode {
	switch {
	case err == nil:
		return bdb.Success
	case errors.Is(err, leveldb.ErrNotFound):
		return bdb.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed), errors.Is(err, leveldb.ErrSnapshotReleased),
		errors.Is(err, leveldb.ErrIterReleased):
		return bdb.ErrInvalid
	case errors.Is(err, leveldb.ErrReadOnly):
		return bdb.ErrAccess
	case ldberrors.IsCorrupted(err):
		return bdb.ErrRunRecovery
	case os.IsNotExist(errors.Cause(err)):
		return bdb.ErrNoEntry
	case os.IsPermission(errors.Cause(err)):
		return bdb.ErrAccess
	default:
		return bdb.ErrIO
	}
}

var bufPool = sync.Pool{New: func() any { return new([]byte) }}

// copyOut copies src, which goleveldb only keeps valid until the next
// call, into a pooled engine-owned buffer.
func copyOut(src []byte) *bdb.Buffer {
	bp := bufPool.Get().(*[]byte)
	b := append((*bp)[:0], src...)
	if b == nil {
		b = make([]byte, 0)
	}
	*bp = b
	return bdb.Owned(b, func() { bufPool.Put(bp) })
}

type ldbEngine struct{}

// New returns the goleveldb-backed engine.
func New() bdb.Engine {
	return ldbEngine{}
}

func (ldbEngine) Name() string { return "ldb" }

func (ldbEngine) CreateEnv() (bdb.EngineEnv, bdb.ErrorCode) {
	return &ldbEnv{}, bdb.Success
}

func (ldbEngine) CreateDB(env bdb.EngineEnv) (bdb.EngineDB, bdb.ErrorCode) {
	if env == nil {
		return &ldbDB{}, bdb.Success
	}
	e, ok := env.(*ldbEnv)
	if !ok {
		return nil, bdb.ErrInvalid
	}
	return &ldbDB{env: e}, bdb.Success
}
