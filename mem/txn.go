package mem

import (
	"github.com/google/btree"

	"github.com/go-bdb/bdb"
)

// memTxn implements bdb.EngineTxn. The first write to a table inside the
// transaction clones the table's current tree into tables; reads consult
// the clone, then enclosing transactions, then the committed tree. A
// top-level transaction owns the home writer lock from Begin until it
// resolves, so the committed trees it cloned cannot move underneath it.
type memTxn struct {
	env    *memEnv
	data   *homeData
	parent *memTxn
	tables map[*memTable]*btree.BTree
	done   bool
}

func newMemTxn(env *memEnv, parent *memTxn) *memTxn {
	return &memTxn{
		env:    env,
		data:   env.data,
		parent: parent,
		tables: make(map[*memTable]*btree.BTree),
	}
}

// view returns the tree to read tbl through: the nearest working clone in
// the transaction chain, or the committed tree.
func (t *memTxn) view(tbl *memTable) *btree.BTree {
	for x := t; x != nil; x = x.parent {
		if tree, ok := x.tables[tbl]; ok {
			return tree
		}
	}
	return tbl.tree.Load()
}

// working returns this transaction's own clone of tbl, creating it from
// the view on first write.
func (t *memTxn) working(tbl *memTable) *btree.BTree {
	if tree, ok := t.tables[tbl]; ok {
		return tree
	}
	tree := t.view(tbl).Clone()
	t.tables[tbl] = tree
	return tree
}

// Commit publishes the working trees. A child merges them into its parent;
// a top-level transaction swaps them in as the committed trees and gives
// up the writer lock. The durability mode is accepted and ignored, memory
// has nothing to flush.
func (t *memTxn) Commit(_ bdb.CommitMode) bdb.ErrorCode {
	if t.done {
		return bdb.ErrInvalid
	}
	t.done = true
	if t.parent != nil {
		for tbl, tree := range t.tables {
			t.parent.tables[tbl] = tree
		}
		t.tables = nil
		return bdb.Success
	}
	for tbl, tree := range t.tables {
		tbl.tree.Store(tree)
	}
	t.tables = nil
	t.data.writerMu.Unlock()
	return bdb.Success
}

// Abort discards the working trees. A top-level transaction gives up the
// writer lock.
func (t *memTxn) Abort() bdb.ErrorCode {
	if t.done {
		return bdb.ErrInvalid
	}
	t.done = true
	t.tables = nil
	if t.parent == nil {
		t.data.writerMu.Unlock()
	}
	return bdb.Success
}
