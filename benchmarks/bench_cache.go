// Package benchmarks compares the handle layer on its bundled engines
// against the backing libraries used directly and against other embedded
// stores. Databases are populated once under testdata/benchdb and reused
// across runs.
package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/tecbot/gorocksdb"
	"go.etcd.io/bbolt"

	"github.com/go-bdb/bdb"
	"github.com/go-bdb/bdb/bolt"
	"github.com/go-bdb/bdb/ldb"
	"github.com/go-bdb/bdb/mem"
)

// Cached benchmark database directory
const benchCacheDir = "testdata/benchdb"

const populateBatch = 100_000

// layerHandle is a cached environment and database pair on one engine.
type layerHandle struct {
	env *bdb.Env
	db  *bdb.DB
}

var (
	cacheMu  sync.Mutex
	layerDBs = make(map[string]*layerHandle)
	mdbxEnvs = make(map[string]*mdbxgo.Env)
	boltDBs  = make(map[string]*bbolt.DB)
	ldbDBs   = make(map[string]*leveldb.DB)
	rocksDBs = make(map[string]*gorocksdb.DB)
)

func engineByName(name string) bdb.Engine {
	switch name {
	case "mem":
		return mem.New()
	case "bolt":
		return bolt.New()
	case "ldb":
		return ldb.New()
	}
	panic("unknown engine " + name)
}

// getCachedLayerDB returns a cached layer database on the named engine,
// populating it with size sequential entries if needed.
func getCachedLayerDB(b *testing.B, engineName string, size int) *layerHandle {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("%s_%d", engineName, size)
	if h, ok := layerDBs[key]; ok {
		return h
	}

	home := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_%s", size, engineName))
	if err := os.MkdirAll(home, 0755); err != nil {
		b.Fatal(err)
	}

	flags := bdb.Create | bdb.InitTxn | bdb.InitLock | bdb.InitLog | bdb.InitMpool | bdb.NoSync
	env, err := bdb.NewEnv(engineByName(engineName)).Home(home).SetFlags(flags).Open()
	if err != nil {
		b.Fatal(err)
	}
	db, err := bdb.NewDB().Environment(env).File("bench.db").Type(bdb.BTree).SetFlags(bdb.Create).Open()
	if err != nil {
		env.Close()
		b.Fatal(err)
	}

	// Key zero is always part of the data set; its absence means the
	// store needs populating.
	probe := make([]byte, 8)
	val, err := db.Get(nil, probe, 0)
	if err != nil {
		b.Fatal(err)
	}
	if val == nil {
		b.Logf("Creating cached %s layer DB with %d keys...", engineName, size)
		populateLayerDB(b, env, db, size)
	} else {
		val.Release()
		b.Logf("Using cached %s layer DB with %d keys", engineName, size)
	}

	h := &layerHandle{env: env, db: db}
	layerDBs[key] = h
	return h
}

func populateLayerDB(b *testing.B, env *bdb.Env, db *bdb.DB, numKeys int) {
	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}

	key := make([]byte, 8)
	val := make([]byte, 32)

	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))

		if err := db.Put(txn, key, val, 0); err != nil {
			txn.Abort()
			b.Fatal(err)
		}

		if (i+1)%populateBatch == 0 {
			if err := txn.Commit(bdb.CommitNoSync); err != nil {
				b.Fatal(err)
			}
			txn, err = env.BeginTxn(nil, 0)
			if err != nil {
				b.Fatal(err)
			}
		}
	}

	if err := txn.Commit(bdb.CommitNoSync); err != nil {
		b.Fatal(err)
	}
}

// getCachedMdbxEnv returns a cached raw mdbx environment, creating and
// populating it if needed.
func getCachedMdbxEnv(b *testing.B, size int) *mdbxgo.Env {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("mdbx_%d", size)
	if env, ok := mdbxEnvs[key]; ok {
		return env
	}

	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_mdbx.db", size))
	exists := fileExists(path)

	runtime.LockOSThread()
	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		runtime.UnlockOSThread()
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, 1<<32, -1, -1, 4096)
	if err := env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync|mdbxgo.WriteMap, 0644); err != nil {
		runtime.UnlockOSThread()
		b.Fatal(err)
	}
	runtime.UnlockOSThread()

	if !exists {
		b.Logf("Creating cached mdbx DB with %d keys...", size)
		populateMdbx(b, env, size)
	} else {
		b.Logf("Using cached mdbx DB with %d keys", size)
	}

	mdbxEnvs[key] = env
	return env
}

func populateMdbx(b *testing.B, env *mdbxgo.Env, numKeys int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI("bench", mdbxgo.Create, nil, nil)
	if err != nil {
		txn.Abort()
		b.Fatal(err)
	}

	key := make([]byte, 8)
	val := make([]byte, 32)

	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))

		if err := txn.Put(dbi, key, val, mdbxgo.Upsert); err != nil {
			txn.Abort()
			b.Fatal(err)
		}

		if (i+1)%populateBatch == 0 {
			if _, err := txn.Commit(); err != nil {
				b.Fatal(err)
			}
			txn, err = env.BeginTxn(nil, 0)
			if err != nil {
				b.Fatal(err)
			}
		}
	}

	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
}

// getCachedBoltDB returns a cached raw bbolt database, creating and
// populating it if needed.
func getCachedBoltDB(b *testing.B, size int) *bbolt.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("bolt_%d", size)
	if db, ok := boltDBs[key]; ok {
		return db
	}

	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_bolt.db", size))
	exists := fileExists(path)

	db, err := bbolt.Open(path, 0644, &bbolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached bbolt DB with %d keys...", size)
		populateBolt(b, db, size)
	} else {
		b.Logf("Using cached bbolt DB with %d keys", size)
	}

	boltDBs[key] = db
	return db
}

func populateBolt(b *testing.B, db *bbolt.DB, numKeys int) {
	key := make([]byte, 8)
	val := make([]byte, 32)

	for start := 0; start < numKeys; start += populateBatch {
		end := start + populateBatch
		if end > numKeys {
			end = numKeys
		}
		err := db.Update(func(tx *bbolt.Tx) error {
			bucket, err := tx.CreateBucketIfNotExists([]byte("bench"))
			if err != nil {
				return err
			}
			for i := start; i < end; i++ {
				binary.BigEndian.PutUint64(key, uint64(i))
				binary.BigEndian.PutUint64(val, uint64(i))
				if err := bucket.Put(key, val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// getCachedLevelDB returns a cached raw goleveldb store, creating and
// populating it if needed.
func getCachedLevelDB(b *testing.B, size int) *leveldb.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("leveldb_%d", size)
	if db, ok := ldbDBs[key]; ok {
		return db
	}

	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_leveldb", size))
	exists := fileExists(path)

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached goleveldb store with %d keys...", size)
		populateLevelDB(b, db, size)
	} else {
		b.Logf("Using cached goleveldb store with %d keys", size)
	}

	ldbDBs[key] = db
	return db
}

func populateLevelDB(b *testing.B, db *leveldb.DB, numKeys int) {
	key := make([]byte, 8)
	val := make([]byte, 32)
	batch := new(leveldb.Batch)

	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))
		batch.Put(key, val)

		if (i+1)%populateBatch == 0 {
			if err := db.Write(batch, nil); err != nil {
				b.Fatal(err)
			}
			batch.Reset()
		}
	}

	if batch.Len() > 0 {
		if err := db.Write(batch, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// getCachedRocksDB returns a cached RocksDB database, creating and
// populating it if needed.
func getCachedRocksDB(b *testing.B, size int) *gorocksdb.DB {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	key := fmt.Sprintf("rocks_%d", size)
	if db, ok := rocksDBs[key]; ok {
		return db
	}

	if err := os.MkdirAll(benchCacheDir, 0755); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(benchCacheDir, fmt.Sprintf("plain_%d_rocks.db", size))
	exists := fileExists(path)

	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetWriteBufferSize(64 * 1024 * 1024)
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(64 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		b.Fatal(err)
	}

	if !exists {
		b.Logf("Creating cached RocksDB with %d keys...", size)
		populateRocksDB(b, db, size)
	} else {
		b.Logf("Using cached RocksDB with %d keys", size)
	}

	rocksDBs[key] = db
	return db
}

func populateRocksDB(b *testing.B, db *gorocksdb.DB, numKeys int) {
	wo := gorocksdb.NewDefaultWriteOptions()
	defer wo.Destroy()

	key := make([]byte, 8)
	val := make([]byte, 32)

	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()

	for i := 0; i < numKeys; i++ {
		binary.BigEndian.PutUint64(key, uint64(i))
		binary.BigEndian.PutUint64(val, uint64(i))
		batch.Put(key, val)

		if (i+1)%populateBatch == 0 {
			if err := db.Write(wo, batch); err != nil {
				b.Fatal(err)
			}
			batch.Clear()
		}
	}

	if batch.Count() > 0 {
		if err := db.Write(wo, batch); err != nil {
			b.Fatal(err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// shuffledOrder returns a deterministic permutation of [0, n).
func shuffledOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := int(uint64(i*17+31) % uint64(i+1))
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// CleanupBenchCache closes all cached environments.
// Call this in TestMain or after benchmarks complete.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	for _, h := range layerDBs {
		h.db.Close()
		h.env.Close()
	}
	for _, env := range mdbxEnvs {
		env.Close()
	}
	for _, db := range boltDBs {
		db.Close()
	}
	for _, db := range ldbDBs {
		db.Close()
	}
	for _, db := range rocksDBs {
		db.Close()
	}
	layerDBs = make(map[string]*layerHandle)
	mdbxEnvs = make(map[string]*mdbxgo.Env)
	boltDBs = make(map[string]*bbolt.DB)
	ldbDBs = make(map[string]*leveldb.DB)
	rocksDBs = make(map[string]*gorocksdb.DB)
}

// DeleteBenchCache removes all cached database files.
func DeleteBenchCache() error {
	return os.RemoveAll(benchCacheDir)
}
