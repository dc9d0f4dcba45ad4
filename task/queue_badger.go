// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-or-later

package task

import (
	"encoding/binary"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// PersistentQueue durably stores the records of persistent tasks in
// FIFO order.
type PersistentQueue interface {
	// Push appends r and returns its sequence number.
	Push(r *Record) (uint64, error)

	// Remove deletes the record with sequence number seq.
	Remove(seq uint64) error

	// Entries returns every stored record, oldest first.
	Entries() ([]Entry, error)
}

// Entry is a stored Record with its sequence number.
type Entry struct {
	Seq    uint64
	Record *Record
}

// BadgerQueue is a PersistentQueue in a badger database.  The metadata
// key holds the head and tail sequence numbers, 8 bytes big endian each.
type BadgerQueue struct {
	prefix []byte
	db     *badger.DB
}

func (q *BadgerQueue) meta() []byte {
	return append(append([]byte{}, q.prefix...), "queue_metadata"...)
}

func (q *BadgerQueue) itemPrefix() []byte {
	return append(append([]byte{}, q.prefix...), "item:"...)
}

func (q *BadgerQueue) itemKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(q.itemPrefix(), seq)
}

// NewBadgerQueue opens the queue stored under prefix in db, creating it
// if needed.
func NewBadgerQueue(db *badger.DB, prefix []byte) (*BadgerQueue, error) {
	q := &BadgerQueue{db: db, prefix: prefix}
	err := q.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(q.meta())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(q.meta(), make([]byte, 16))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *BadgerQueue) pointers(txn *badger.Txn) (head, tail uint64, err error) {
	i, err := txn.Get(q.meta())
	if err != nil {
		return 0, 0, err
	}
	metadata, err := i.ValueCopy(nil)
	if err != nil {
		return 0, 0, err
	}
	if len(metadata) != 16 {
		return 0, 0, errors.New("task: corrupted queue metadata")
	}
	return binary.BigEndian.Uint64(metadata[:8]), binary.BigEndian.Uint64(metadata[8:]), nil
}

func (q *BadgerQueue) setPointers(txn *badger.Txn, head, tail uint64) error {
	metadata := make([]byte, 16)
	binary.BigEndian.PutUint64(metadata[:8], head)
	binary.BigEndian.PutUint64(metadata[8:], tail)
	return txn.Set(q.meta(), metadata)
}

// Push implements PersistentQueue.
func (q *BadgerQueue) Push(r *Record) (uint64, error) {
	serialized, err := cbor.Marshal(r)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = q.db.Update(func(txn *badger.Txn) error {
		head, tail, err := q.pointers(txn)
		if err != nil {
			return err
		}
		if err := txn.Set(q.itemKey(head), serialized); err != nil {
			return err
		}
		seq = head
		return q.setPointers(txn, head+1, tail)
	})
	return seq, err
}

// Remove implements PersistentQueue.  The tail advances past every
// removed record.
func (q *BadgerQueue) Remove(seq uint64) error {
	return q.db.Update(func(txn *badger.Txn) error {
		head, tail, err := q.pointers(txn)
		if err != nil {
			return err
		}
		if err := txn.Delete(q.itemKey(seq)); err != nil {
			return err
		}
		for tail < head {
			_, err := txn.Get(q.itemKey(tail))
			if err == nil {
				break
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			tail++
		}
		return q.setPointers(txn, head, tail)
	})
}

// Entries implements PersistentQueue.
func (q *BadgerQueue) Entries() ([]Entry, error) {
	var out []Entry
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = q.itemPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			seq := binary.BigEndian.Uint64(key[len(key)-8:])
			r := new(Record)
			if err := item.Value(func(v []byte) error {
				return cbor.Unmarshal(v, r)
			}); err != nil {
				return err
			}
			out = append(out, Entry{Seq: seq, Record: r})
		}
		return nil
	})
	return out, err
}

// Len returns the number of stored records.
func (q *BadgerQueue) Len() (int, error) {
	entries, err := q.Entries()
	return len(entries), err
}
