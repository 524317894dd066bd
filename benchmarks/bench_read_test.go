package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	"github.com/tecbot/gorocksdb"
)

// BenchmarkReadOps benchmarks read operations on pre-populated databases.
func BenchmarkReadOps(b *testing.B) {
	sizes := []int{10_000, 100_000, 1_000_000}

	for _, size := range sizes {
		sizeName := formatSize(size)

		// Sequential read (cursor iteration)
		for _, engine := range []string{"mem", "bolt", "ldb"} {
			engine := engine
			b.Run(fmt.Sprintf("SeqRead_%s/bdb-%s", sizeName, engine), func(b *testing.B) {
				benchSeqReadLayer(b, engine, size)
			})
		}
		b.Run(fmt.Sprintf("SeqRead_%s/mdbx", sizeName), func(b *testing.B) {
			benchSeqReadMdbx(b, size)
		})
		b.Run(fmt.Sprintf("SeqRead_%s/bbolt", sizeName), func(b *testing.B) {
			benchSeqReadBolt(b, size)
		})
		b.Run(fmt.Sprintf("SeqRead_%s/leveldb", sizeName), func(b *testing.B) {
			benchSeqReadLevelDB(b, size)
		})
		b.Run(fmt.Sprintf("SeqRead_%s/rocksdb", sizeName), func(b *testing.B) {
			benchSeqReadRocksDB(b, size)
		})

		// Random point lookups
		for _, engine := range []string{"mem", "bolt", "ldb"} {
			engine := engine
			b.Run(fmt.Sprintf("RandGet_%s/bdb-%s", sizeName, engine), func(b *testing.B) {
				benchRandGetLayer(b, engine, size)
			})
		}
		b.Run(fmt.Sprintf("RandGet_%s/mdbx", sizeName), func(b *testing.B) {
			benchRandGetMdbx(b, size)
		})
		b.Run(fmt.Sprintf("RandGet_%s/bbolt", sizeName), func(b *testing.B) {
			benchRandGetBolt(b, size)
		})
		b.Run(fmt.Sprintf("RandGet_%s/leveldb", sizeName), func(b *testing.B) {
			benchRandGetLevelDB(b, size)
		})
		b.Run(fmt.Sprintf("RandGet_%s/rocksdb", sizeName), func(b *testing.B) {
			benchRandGetRocksDB(b, size)
		})
	}
}

// ============ Sequential Read ============

func benchSeqReadLayer(b *testing.B, engine string, numKeys int) {
	h := getCachedLayerDB(b, engine, numKeys)

	cursor, err := h.db.Cursor()
	if err != nil {
		b.Fatal(err)
	}
	defer func() { cursor.Close() }()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		// Cursors are forward-only; restart with a fresh one each pass.
		if i > 0 && i%numKeys == 0 {
			cursor.Close()
			if cursor, err = h.db.Cursor(); err != nil {
				b.Fatal(err)
			}
		}
		key, val, err := cursor.Next()
		if err != nil {
			b.Fatal(err)
		}
		key.Release()
		val.Release()
	}
}

func benchSeqReadMdbx(b *testing.B, numKeys int) {
	env := getCachedMdbxEnv(b, numKeys)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := env.BeginTxn(nil, mdbxgo.Readonly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()

	dbi, err := txn.OpenDBI("bench", 0, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	cursor, err := txn.OpenCursor(dbi)
	if err != nil {
		b.Fatal(err)
	}
	defer cursor.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if i%numKeys == 0 {
			cursor.Get(nil, nil, mdbxgo.First)
		} else {
			cursor.Get(nil, nil, mdbxgo.Next)
		}
	}
}

func benchSeqReadBolt(b *testing.B, numKeys int) {
	db := getCachedBoltDB(b, numKeys)

	tx, err := db.Begin(false)
	if err != nil {
		b.Fatal(err)
	}
	defer tx.Rollback()

	bucket := tx.Bucket([]byte("bench"))
	if bucket == nil {
		b.Fatal("bucket not found")
	}

	cursor := bucket.Cursor()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if i%numKeys == 0 {
			cursor.First()
		} else {
			cursor.Next()
		}
	}
}

func benchSeqReadLevelDB(b *testing.B, numKeys int) {
	db := getCachedLevelDB(b, numKeys)

	iter := db.NewIterator(nil, nil)
	defer iter.Release()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if i%numKeys == 0 {
			iter.First()
		} else {
			iter.Next()
		}
	}
}

func benchSeqReadRocksDB(b *testing.B, numKeys int) {
	db := getCachedRocksDB(b, numKeys)

	ro := gorocksdb.NewDefaultReadOptions()
	defer ro.Destroy()

	iter := db.NewIterator(ro)
	defer iter.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if i%numKeys == 0 {
			iter.SeekToFirst()
		} else {
			iter.Next()
		}
	}
}

// ============ Random Get (point lookups) ============

func benchRandGetLayer(b *testing.B, engine string, numKeys int) {
	h := getCachedLayerDB(b, engine, numKeys)

	key := make([]byte, 8)
	order := shuffledOrder(numKeys)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(order[i%numKeys]))
		val, err := h.db.Get(nil, key, 0)
		if err != nil {
			b.Fatal(err)
		}
		val.Release()
	}
}

func benchRandGetMdbx(b *testing.B, numKeys int) {
	env := getCachedMdbxEnv(b, numKeys)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	key := make([]byte, 8)
	order := shuffledOrder(numKeys)

	txn, err := env.BeginTxn(nil, mdbxgo.Readonly)
	if err != nil {
		b.Fatal(err)
	}
	defer txn.Abort()

	dbi, err := txn.OpenDBI("bench", 0, nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(order[i%numKeys]))
		txn.Get(dbi, key)
	}
}

func benchRandGetBolt(b *testing.B, numKeys int) {
	db := getCachedBoltDB(b, numKeys)

	key := make([]byte, 8)
	order := shuffledOrder(numKeys)

	tx, err := db.Begin(false)
	if err != nil {
		b.Fatal(err)
	}
	defer tx.Rollback()

	bucket := tx.Bucket([]byte("bench"))
	if bucket == nil {
		b.Fatal("bucket not found")
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(order[i%numKeys]))
		bucket.Get(key)
	}
}

func benchRandGetLevelDB(b *testing.B, numKeys int) {
	db := getCachedLevelDB(b, numKeys)

	key := make([]byte, 8)
	order := shuffledOrder(numKeys)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(order[i%numKeys]))
		db.Get(key, nil)
	}
}

func benchRandGetRocksDB(b *testing.B, numKeys int) {
	db := getCachedRocksDB(b, numKeys)

	ro := gorocksdb.NewDefaultReadOptions()
	defer ro.Destroy()

	key := make([]byte, 8)
	order := shuffledOrder(numKeys)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(key, uint64(order[i%numKeys]))
		val, _ := db.Get(ro, key)
		if val != nil {
			val.Free()
		}
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	CleanupBenchCache()
	os.Exit(code)
}
