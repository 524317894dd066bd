package mem

import (
	"bytes"

	"github.com/google/btree"

	"github.com/go-bdb/bdb"
)

// memCursor implements bdb.EngineCursor over the immutable tree snapshot
// taken when the cursor was opened. The position is the last key handed
// out; each step re-seeks it, which the snapshot makes safe at any later
// time regardless of concurrent commits.
type memCursor struct {
	tree   *btree.BTree
	last   []byte
	closed bool
}

func (c *memCursor) Next() (*bdb.Buffer, *bdb.Buffer, bdb.ErrorCode) {
	if c.closed {
		return nil, nil, bdb.ErrInvalid
	}
	var found *record
	if c.last == nil {
		c.tree.Ascend(func(i btree.Item) bool {
			found = i.(*record)
			return false
		})
	} else {
		c.tree.AscendGreaterOrEqual(&record{key: c.last}, func(i btree.Item) bool {
			r := i.(*record)
			if bytes.Equal(r.key, c.last) {
				return true
			}
			found = r
			return false
		})
	}
	if found == nil {
		return nil, nil, bdb.ErrNotFound
	}
	c.last = found.key
	return copyOut(found.key), copyOut(found.value), bdb.Success
}

func (c *memCursor) Close() bdb.ErrorCode {
	if c.closed {
		return bdb.ErrInvalid
	}
	c.closed = true
	c.tree = nil
	return bdb.Success
}
