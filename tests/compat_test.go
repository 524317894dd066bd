// Package tests contains compatibility tests between the handle layer's
// bundled engines and the libraries backing their stores. These tests
// create data through the layer and verify it with the backing library
// directly, and the other way around, pinning down the on-disk layout
// the engines commit to.
package tests

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.etcd.io/bbolt"

	"github.com/go-bdb/bdb"
	"github.com/go-bdb/bdb/bolt"
	"github.com/go-bdb/bdb/ldb"
)

const envFlags = bdb.Create | bdb.InitTxn | bdb.InitLock | bdb.InitLog | bdb.InitMpool

// createWithLayer opens an environment on the given engine, fills a
// database named file through fn inside one committed transaction, and
// tears everything down again.
func createWithLayer(t *testing.T, engine bdb.Engine, home, file string, fn func(db *bdb.DB, txn *bdb.Txn)) {
	t.Helper()

	env, err := bdb.NewEnv(engine).Home(home).SetFlags(envFlags).Open()
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	db, err := bdb.NewDB().Environment(env).File(file).Type(bdb.BTree).SetFlags(bdb.Create).Open()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	fn(db, txn)
	if err := txn.Commit(bdb.CommitSync); err != nil {
		t.Fatal(err)
	}
}

// readWithLayer reopens an existing environment on the given engine and
// hands the database to fn.
func readWithLayer(t *testing.T, engine bdb.Engine, home, file string, fn func(db *bdb.DB)) {
	t.Helper()

	env, err := bdb.NewEnv(engine).Home(home).SetFlags(envFlags &^ bdb.Create).Open()
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	db, err := bdb.NewDB().Environment(env).File(file).Type(bdb.Unknown).Open()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fn(db)
}

// TestBoltBasicReadWrite writes through the layer and verifies the
// resulting bbolt file directly: one bucket named file + NUL + name per
// database, plus a catalog bucket carrying the collection type.
func TestBoltBasicReadWrite(t *testing.T) {
	home := t.TempDir()

	entries := map[string]string{
		"key1":  "value1",
		"key2":  "value2",
		"key3":  "value3",
		"hello": "world",
		"foo":   "bar",
	}

	createWithLayer(t, bolt.New(), home, "data.db", func(db *bdb.DB, txn *bdb.Txn) {
		for k, v := range entries {
			if err := db.Put(txn, []byte(k), []byte(v), 0); err != nil {
				t.Fatal(err)
			}
		}
	})

	raw, err := bbolt.Open(filepath.Join(home, bolt.FileName), 0644, &bbolt.Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	bucketName := []byte("data.db\x00")
	err = raw.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			t.Fatalf("bucket %q missing", bucketName)
		}
		for k, expected := range entries {
			val := b.Get([]byte(k))
			if val == nil {
				t.Errorf("Get(%q) missing from raw bucket", k)
				continue
			}
			if string(val) != expected {
				t.Errorf("Get(%q) = %q, want %q", k, val, expected)
			}
		}

		cat := tx.Bucket([]byte("__catalog"))
		if cat == nil {
			t.Fatal("catalog bucket missing")
		}
		typ := cat.Get(bucketName)
		if len(typ) != 1 || bdb.DBType(typ[0]) != bdb.BTree {
			t.Errorf("catalog entry = %v, want [%d]", typ, bdb.BTree)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestBboltWritesReadableByLayer builds a bbolt file by hand in the
// engine's layout and reads it back through the layer.
func TestBboltWritesReadableByLayer(t *testing.T) {
	home := t.TempDir()
	bucketName := []byte("imported.db\x00")

	raw, err := bbolt.Open(filepath.Join(home, bolt.FileName), 0644, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = raw.Update(func(tx *bbolt.Tx) error {
		cat, err := tx.CreateBucketIfNotExists([]byte("__catalog"))
		if err != nil {
			return err
		}
		if err := cat.Put(bucketName, []byte{byte(bdb.BTree)}); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketName)
		if err != nil {
			return err
		}
		if err := b.Put([]byte("alpha"), []byte("1")); err != nil {
			return err
		}
		return b.Put([]byte("bravo"), []byte("2"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := raw.Close(); err != nil {
		t.Fatal(err)
	}

	readWithLayer(t, bolt.New(), home, "imported.db", func(db *bdb.DB) {
		if db.Type() != bdb.BTree {
			t.Errorf("adopted type = %v, want %v", db.Type(), bdb.BTree)
		}

		val, err := db.Get(nil, []byte("alpha"), 0)
		if err != nil {
			t.Fatal(err)
		}
		if val == nil || val.String() != "1" {
			t.Errorf("Get(alpha) = %v, want 1", val)
		}
		val.Release()

		cursor, err := db.Cursor()
		if err != nil {
			t.Fatal(err)
		}
		defer cursor.Close()

		var keys []string
		for {
			k, v, err := cursor.Next()
			if err != nil {
				t.Fatal(err)
			}
			if k == nil {
				break
			}
			keys = append(keys, k.String())
			k.Release()
			v.Release()
		}
		if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "bravo" {
			t.Errorf("cursor keys = %v, want [alpha bravo]", keys)
		}
	})
}

// TestLdbKeyEncoding writes through the layer and verifies the store's
// key encoding directly: data records live under
// 'd' || uvarint(len(tk)) || tk || key with tk = file + NUL + name, and
// the catalog entry under 'c' || tk holds the type byte.
func TestLdbKeyEncoding(t *testing.T) {
	home := t.TempDir()

	createWithLayer(t, ldb.New(), home, "data.db", func(db *bdb.DB, txn *bdb.Txn) {
		if err := db.Put(txn, []byte("raw"), []byte("visible"), 0); err != nil {
			t.Fatal(err)
		}
	})

	raw, err := leveldb.OpenFile(filepath.Join(home, ldb.StoreName), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	tk := "data.db\x00"
	prefix := make([]byte, 1, 16+len(tk))
	prefix[0] = 'd'
	prefix = binary.AppendUvarint(prefix, uint64(len(tk)))
	prefix = append(prefix, tk...)

	val, err := raw.Get(append(prefix, []byte("raw")...), nil)
	if err != nil {
		t.Fatalf("encoded key missing from raw store: %v", err)
	}
	if !bytes.Equal(val, []byte("visible")) {
		t.Errorf("raw value = %q, want %q", val, "visible")
	}

	iter := raw.NewIterator(util.BytesPrefix(prefix), nil)
	count := 0
	for iter.Next() {
		count++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("raw store holds %d records under table prefix, want 1", count)
	}

	typ, err := raw.Get(append([]byte{'c'}, tk...), nil)
	if err != nil {
		t.Fatalf("catalog entry missing: %v", err)
	}
	if len(typ) != 1 || bdb.DBType(typ[0]) != bdb.BTree {
		t.Errorf("catalog entry = %v, want [%d]", typ, bdb.BTree)
	}
}

// TestGoleveldbWritesReadableByLayer builds a goleveldb store by hand in
// the engine's encoding and reads it back through the layer.
func TestGoleveldbWritesReadableByLayer(t *testing.T) {
	home := t.TempDir()

	raw, err := leveldb.OpenFile(filepath.Join(home, ldb.StoreName), nil)
	if err != nil {
		t.Fatal(err)
	}

	tk := "imported.db\x00"
	prefix := make([]byte, 1, 16+len(tk))
	prefix[0] = 'd'
	prefix = binary.AppendUvarint(prefix, uint64(len(tk)))
	prefix = append(prefix, tk...)

	batch := new(leveldb.Batch)
	batch.Put(append([]byte{'c'}, tk...), []byte{byte(bdb.Hash)})
	batch.Put(append(append([]byte{}, prefix...), []byte("alpha")...), []byte("1"))
	batch.Put(append(append([]byte{}, prefix...), []byte("bravo")...), []byte("2"))
	if err := raw.Write(batch, nil); err != nil {
		t.Fatal(err)
	}
	if err := raw.Close(); err != nil {
		t.Fatal(err)
	}

	readWithLayer(t, ldb.New(), home, "imported.db", func(db *bdb.DB) {
		if db.Type() != bdb.Hash {
			t.Errorf("adopted type = %v, want %v", db.Type(), bdb.Hash)
		}
		for k, expected := range map[string]string{"alpha": "1", "bravo": "2"} {
			val, err := db.Get(nil, []byte(k), 0)
			if err != nil {
				t.Errorf("Get(%q) error: %v", k, err)
				continue
			}
			if val == nil {
				t.Errorf("Get(%q) missing", k)
				continue
			}
			if val.String() != expected {
				t.Errorf("Get(%q) = %q, want %q", k, val.String(), expected)
			}
			val.Release()
		}
	})
}

// TestPersistenceAcrossReopen commits through the layer, tears the whole
// environment down and reopens it from disk on both durable engines.
func TestPersistenceAcrossReopen(t *testing.T) {
	engines := []struct {
		name string
		fn   func() bdb.Engine
	}{
		{"bolt", func() bdb.Engine { return bolt.New() }},
		{"ldb", func() bdb.Engine { return ldb.New() }},
	}

	testData := []struct {
		key   []byte
		value []byte
	}{
		{[]byte("key1"), []byte("small value")},
		{[]byte("key2"), bytes.Repeat([]byte("x"), 100)},
		{[]byte("key3"), bytes.Repeat([]byte("y"), 1000)},
		{[]byte("key4"), bytes.Repeat([]byte("z"), 10000)},
	}

	for _, engine := range engines {
		t.Run(engine.name, func(t *testing.T) {
			home := t.TempDir()

			createWithLayer(t, engine.fn(), home, "persist.db", func(db *bdb.DB, txn *bdb.Txn) {
				for _, td := range testData {
					if err := db.Put(txn, td.key, td.value, 0); err != nil {
						t.Fatalf("Put(%s) error: %v", td.key, err)
					}
				}
			})

			readWithLayer(t, engine.fn(), home, "persist.db", func(db *bdb.DB) {
				for _, td := range testData {
					val, err := db.Get(nil, td.key, 0)
					if err != nil {
						t.Fatalf("Get(%s) error: %v", td.key, err)
					}
					if val == nil {
						t.Fatalf("Get(%s) lost across reopen", td.key)
					}
					if !bytes.Equal(val.Copy(), td.value) {
						t.Errorf("Get(%s) length = %d, want %d", td.key, val.Len(), len(td.value))
					}
					val.Release()
				}
			})
		})
	}
}

// TestManyEntriesAcrossReopen reopens a store holding enough entries to
// span many backing pages and verifies count and samples.
func TestManyEntriesAcrossReopen(t *testing.T) {
	home := t.TempDir()
	numEntries := 10000

	createWithLayer(t, bolt.New(), home, "many.db", func(db *bdb.DB, txn *bdb.Txn) {
		for i := 0; i < numEntries; i++ {
			key := fmt.Sprintf("key-%08d", i)
			value := make([]byte, 8)
			binary.BigEndian.PutUint64(value, uint64(i))
			if err := db.Put(txn, []byte(key), value, 0); err != nil {
				t.Fatal(err)
			}
		}
	})

	readWithLayer(t, bolt.New(), home, "many.db", func(db *bdb.DB) {
		cursor, err := db.Cursor()
		if err != nil {
			t.Fatal(err)
		}
		defer cursor.Close()

		count := 0
		for {
			k, v, err := cursor.Next()
			if err != nil {
				t.Fatal(err)
			}
			if k == nil {
				break
			}
			count++
			k.Release()
			v.Release()
		}
		if count != numEntries {
			t.Errorf("Counted %d entries, want %d", count, numEntries)
		}

		for i := 0; i < 100; i++ {
			idx := i * 100
			key := fmt.Sprintf("key-%08d", idx)
			val, err := db.Get(nil, []byte(key), 0)
			if err != nil {
				t.Errorf("Get(%q) error: %v", key, err)
				continue
			}
			if val == nil {
				t.Errorf("Get(%q) missing", key)
				continue
			}
			if got := binary.BigEndian.Uint64(val.Copy()); got != uint64(idx) {
				t.Errorf("Get(%q) = %d, want %d", key, got, idx)
			}
			val.Release()
		}
	})
}

// TestNamedDatabasesAcrossReopen keeps several file/name databases in one
// environment and verifies each one survives a reopen on its own bucket.
func TestNamedDatabasesAcrossReopen(t *testing.T) {
	home := t.TempDir()

	tables := map[string]map[string]string{
		"users": {
			"alice": "admin",
			"bob":   "user",
			"carol": "guest",
		},
		"config": {
			"version": "1.0.0",
			"debug":   "false",
		},
		"counters": {
			"visits": "12345",
			"errors": "0",
		},
	}

	env, err := bdb.NewEnv(bolt.New()).Home(home).SetFlags(envFlags).Open()
	if err != nil {
		t.Fatal(err)
	}
	for name, entries := range tables {
		db, err := bdb.NewDB().Environment(env).File("app.db").Name(name).Type(bdb.BTree).SetFlags(bdb.Create).Open()
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range entries {
			if err := db.Put(nil, []byte(k), []byte(v), 0); err != nil {
				t.Fatal(err)
			}
		}
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Close(); err != nil {
		t.Fatal(err)
	}

	// Each name maps to its own bucket in the shared file.
	raw, err := bbolt.Open(filepath.Join(home, bolt.FileName), 0644, &bbolt.Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	err = raw.View(func(tx *bbolt.Tx) error {
		for name := range tables {
			if tx.Bucket([]byte("app.db\x00"+name)) == nil {
				t.Errorf("bucket for %q missing", name)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := raw.Close(); err != nil {
		t.Fatal(err)
	}

	env, err = bdb.NewEnv(bolt.New()).Home(home).SetFlags(envFlags &^ bdb.Create).Open()
	if err != nil {
		t.Fatal(err)
	}
	defer env.Close()

	for name, entries := range tables {
		db, err := bdb.NewDB().Environment(env).File("app.db").Name(name).Type(bdb.Unknown).Open()
		if err != nil {
			t.Errorf("Open(%q) error: %v", name, err)
			continue
		}
		for k, expected := range entries {
			val, err := db.Get(nil, []byte(k), 0)
			if err != nil {
				t.Errorf("Get(%q.%q) error: %v", name, k, err)
				continue
			}
			if val == nil || val.String() != expected {
				t.Errorf("Get(%q.%q) = %v, want %q", name, k, val, expected)
			}
			val.Release()
		}
		db.Close()
	}
}

// TestBinaryKeysAcrossReopen round-trips binary keys and checks sorted
// iteration order after a reopen.
func TestBinaryKeysAcrossReopen(t *testing.T) {
	home := t.TempDir()

	entries := make(map[string][]byte)
	for i := 0; i < 100; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i*1000))
		value := make([]byte, 16)
		binary.LittleEndian.PutUint64(value, uint64(i))
		binary.LittleEndian.PutUint64(value[8:], uint64(i*2))
		entries[string(key)] = value
	}

	createWithLayer(t, ldb.New(), home, "binary.db", func(db *bdb.DB, txn *bdb.Txn) {
		for k, v := range entries {
			if err := db.Put(txn, []byte(k), v, 0); err != nil {
				t.Fatal(err)
			}
		}
	})

	readWithLayer(t, ldb.New(), home, "binary.db", func(db *bdb.DB) {
		for k, expected := range entries {
			val, err := db.Get(nil, []byte(k), 0)
			if err != nil {
				t.Errorf("Get binary key error: %v", err)
				continue
			}
			if val == nil || !bytes.Equal(val.Copy(), expected) {
				t.Errorf("Get binary key mismatch")
			}
			val.Release()
		}

		cursor, err := db.Cursor()
		if err != nil {
			t.Fatal(err)
		}
		defer cursor.Close()

		var prevKey []byte
		for {
			k, v, err := cursor.Next()
			if err != nil {
				t.Fatal(err)
			}
			if k == nil {
				break
			}
			if prevKey != nil && bytes.Compare(prevKey, k.Copy()) >= 0 {
				t.Errorf("Keys not in sorted order: %x >= %x", prevKey, k.Copy())
			}
			prevKey = k.Copy()
			k.Release()
			v.Release()
		}
	})
}

// TestUpdateThenReopen applies inserts, updates and deletes in separate
// transactions and verifies the final state from a fresh environment.
func TestUpdateThenReopen(t *testing.T) {
	home := t.TempDir()

	env, err := bdb.NewEnv(bolt.New()).Home(home).SetFlags(envFlags).Open()
	if err != nil {
		t.Fatal(err)
	}
	db, err := bdb.NewDB().Environment(env).File("mutate.db").Type(bdb.BTree).SetFlags(bdb.Create).Open()
	if err != nil {
		t.Fatal(err)
	}

	// Transaction 1: insert keys 0-99.
	err = env.Update(func(txn *bdb.Txn) error {
		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("key-%03d", i)
			if err := db.Put(txn, []byte(key), []byte("v1"), 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Transaction 2: update keys 50-99.
	err = env.Update(func(txn *bdb.Txn) error {
		for i := 50; i < 100; i++ {
			key := fmt.Sprintf("key-%03d", i)
			if err := db.Put(txn, []byte(key), []byte("v2"), 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Transaction 3: delete keys 25-49.
	err = env.Update(func(txn *bdb.Txn) error {
		for i := 25; i < 50; i++ {
			key := fmt.Sprintf("key-%03d", i)
			if err := db.Del(txn, []byte(key), 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := env.Close(); err != nil {
		t.Fatal(err)
	}

	readWithLayer(t, bolt.New(), home, "mutate.db", func(db *bdb.DB) {
		for i := 0; i < 25; i++ {
			key := fmt.Sprintf("key-%03d", i)
			val, err := db.Get(nil, []byte(key), 0)
			if err != nil {
				t.Errorf("Get(%s) error: %v", key, err)
				continue
			}
			if val == nil || val.String() != "v1" {
				t.Errorf("Get(%s) = %v, want v1", key, val)
			}
			val.Release()
		}
		for i := 25; i < 50; i++ {
			key := fmt.Sprintf("key-%03d", i)
			val, err := db.Get(nil, []byte(key), 0)
			if err != nil {
				t.Errorf("Get(%s) error: %v", key, err)
				continue
			}
			if val != nil {
				t.Errorf("Get(%s) = %q, want absent", key, val.String())
				val.Release()
			}
		}
		for i := 50; i < 100; i++ {
			key := fmt.Sprintf("key-%03d", i)
			val, err := db.Get(nil, []byte(key), 0)
			if err != nil {
				t.Errorf("Get(%s) error: %v", key, err)
				continue
			}
			if val == nil || val.String() != "v2" {
				t.Errorf("Get(%s) = %v, want v2", key, val)
			}
			val.Release()
		}
	})
}

// TestStandaloneBoltFile checks that a standalone database is a plain
// bbolt file at its own path, with no environment home involved.
func TestStandaloneBoltFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "alone.db")

	db, err := bdb.NewDB().Engine(bolt.New()).File(file).Type(bdb.BTree).SetFlags(bdb.Create).Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(nil, []byte("k"), []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(file); err != nil {
		t.Fatalf("standalone file missing: %v", err)
	}

	raw, err := bbolt.Open(file, 0644, &bbolt.Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	err = raw.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(file + "\x00"))
		if b == nil {
			t.Fatal("standalone bucket missing")
		}
		if got := b.Get([]byte("k")); !bytes.Equal(got, []byte("v")) {
			t.Errorf("raw value = %q, want v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
