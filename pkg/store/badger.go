package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/samber/lo"
)

// BadgerBackend keeps every room's log in an embedded BadgerDB.
// Keys are "msg:{room_id}:{id}" with both numbers zero padded to 20 digits,
// so lexicographic key order is id order within a room.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database at path. An empty path opens an
// in-memory database, which is only useful in tests.
func OpenBadger(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerBackend{db: db}, nil
}

func NewBadgerBackend(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

func roomPrefix(roomID int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:", roomID))
}

func messageKey(roomID, id int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:%020d", roomID, id))
}

// seekEnd sorts after every key of the room.
func seekEnd(roomID int64) []byte {
	return append(roomPrefix(roomID), 0xFF)
}

func (b *BadgerBackend) LastMessage(_ context.Context, roomID int64) (model.Message, bool, error) {
	var msg model.Message
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(roomID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(seekEnd(roomID))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	return msg, found, err
}

func (b *BadgerBackend) Put(_ context.Context, msg model.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := messageKey(msg.RoomID, msg.ID)
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: room %d id %d", errDuplicateID, msg.RoomID, msg.ID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, value)
	})
}

func (b *BadgerBackend) Range(_ context.Context, roomID int64, q Query) ([]model.Message, error) {
	var messages []model.Message
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(roomID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = !q.Forward
		it := txn.NewIterator(opts)
		defer it.Close()

		var seek []byte
		switch {
		case q.Forward:
			seek = messageKey(roomID, q.After+1)
		case q.Before > 0:
			// Reverse iteration starts at the greatest key <= seek.
			seek = messageKey(roomID, q.Before-1)
		default:
			seek = seekEnd(roomID)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < q.Limit; it.Next() {
			var msg model.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !q.Forward && q.Before <= 0 {
		messages = lo.Reverse(messages)
	}
	return messages, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
