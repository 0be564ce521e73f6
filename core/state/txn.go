package state

import (
	"errors"
	"fmt"

	"creditline/storage"
)

type txnOp struct {
	value  []byte
	delete bool
}

// Txn overlays buffered writes on a Database so one ledger operation can
// read its own writes and then commit them in a single atomic batch. An
// abandoned Txn leaves the database untouched; there is nothing to roll
// back because nothing was written.
type Txn struct {
	db        storage.Database
	writes    map[string]txnOp
	order     []string
	committed bool
}

// NewTxn opens a transaction over the provided database.
func NewTxn(db storage.Database) *Txn {
	return &Txn{
		db:     db,
		writes: make(map[string]txnOp),
	}
}

// Get returns the buffered value when the key was written in this
// transaction, falling back to the underlying database otherwise.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if op, ok := t.writes[string(key)]; ok {
		if op.delete {
			return nil, storage.ErrKeyNotFound
		}
		return append([]byte(nil), op.value...), nil
	}
	return t.db.Get(key)
}

// Put buffers an insert or update. Nothing reaches the database before
// Commit.
func (t *Txn) Put(key []byte, value []byte) error {
	if t.committed {
		return errors.New("state: txn already committed")
	}
	k := string(key)
	if _, seen := t.writes[k]; !seen {
		t.order = append(t.order, k)
	}
	t.writes[k] = txnOp{value: append([]byte(nil), value...)}
	return nil
}

// Delete buffers a removal.
func (t *Txn) Delete(key []byte) error {
	if t.committed {
		return errors.New("state: txn already committed")
	}
	k := string(key)
	if _, seen := t.writes[k]; !seen {
		t.order = append(t.order, k)
	}
	t.writes[k] = txnOp{delete: true}
	return nil
}

// Pending reports the number of buffered writes.
func (t *Txn) Pending() int { return len(t.writes) }

// Commit flushes the buffered writes through one atomic batch. A committed
// transaction refuses further use.
func (t *Txn) Commit() error {
	if t.committed {
		return errors.New("state: txn already committed")
	}
	t.committed = true
	if len(t.writes) == 0 {
		return nil
	}
	batch := new(storage.Batch)
	for _, k := range t.order {
		op := t.writes[k]
		if op.delete {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), op.value)
	}
	if err := t.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}
