package ldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"

	"github.com/go-bdb/bdb"
)

// ldbCursor implements bdb.EngineCursor. It iterates a snapshot taken
// when the cursor was opened, bounded to the table's key prefix; the
// table prefix is stripped before keys are handed out.
type ldbCursor struct {
	home   *ldbHome
	snap   *leveldb.Snapshot
	iter   iterator.Iterator
	strip  int
	closed bool
}

func openCursor(home *ldbHome, tk string) (bdb.EngineCursor, bdb.ErrorCode) {
	snap, err := home.db.GetSnapshot()
	if err != nil {
		return nil, fail("cursor", home.path, err)
	}
	return &ldbCursor{
		home:  home,
		snap:  snap,
		iter:  snap.NewIterator(prefixRange(tk), nil),
		strip: len(dataPrefix(tk)),
	}, bdb.Success
}

func (c *ldbCursor) Next() (*bdb.Buffer, *bdb.Buffer, bdb.ErrorCode) {
	if c.closed {
		return nil, nil, bdb.ErrInvalid
	}
	if !c.iter.Next() {
		if err := c.iter.Error(); err != nil {
			return nil, nil, fail("cursor next", c.home.path, err)
		}
		return nil, nil, bdb.ErrNotFound
	}
	return copyOut(c.iter.Key()[c.strip:]), copyOut(c.iter.Value()), bdb.Success
}

func (c *ldbCursor) Close() bdb.ErrorCode {
	if c.closed {
		return bdb.ErrInvalid
	}
	c.closed = true
	c.iter.Release()
	c.snap.Release()
	err := c.iter.Error()
	c.iter = nil
	c.snap = nil
	if err != nil {
		return mapErr(err)
	}
	return bdb.Success
}
