package bolt

import (
	"go.etcd.io/bbolt"

	"github.com/go-bdb/bdb"
)

// boltCursor implements bdb.EngineCursor. It pins a read-only bbolt
// transaction for its whole life, so it iterates the committed state as
// of open regardless of later commits. bbolt keeps the pages of that
// snapshot around until the transaction is rolled back.
type boltCursor struct {
	tx      *bbolt.Tx
	cur     *bbolt.Cursor
	started bool
}

func openCursor(home *boltHome, bucket []byte) (bdb.EngineCursor, bdb.ErrorCode) {
	tx, err := home.db.Begin(false)
	if err != nil {
		return nil, fail("cursor begin", home.path, err)
	}
	b := tx.Bucket(bucket)
	if b == nil {
		tx.Rollback()
		return nil, bdb.ErrNoEntry
	}
	return &boltCursor{tx: tx, cur: b.Cursor()}, bdb.Success
}

func (c *boltCursor) Next() (*bdb.Buffer, *bdb.Buffer, bdb.ErrorCode) {
	if c.tx == nil {
		return nil, nil, bdb.ErrInvalid
	}
	var k, v []byte
	if !c.started {
		c.started = true
		k, v = c.cur.First()
	} else {
		k, v = c.cur.Next()
	}
	if k == nil {
		return nil, nil, bdb.ErrNotFound
	}
	return copyOut(k), copyOut(v), bdb.Success
}

func (c *boltCursor) Close() bdb.ErrorCode {
	if c.tx == nil {
		return bdb.ErrInvalid
	}
	err := c.tx.Rollback()
	c.tx = nil
	c.cur = nil
	if err != nil {
		return mapErr(err)
	}
	return bdb.Success
}
