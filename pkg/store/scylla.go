package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/mahaj/roomcast/pkg/db"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/samber/lo"
)

const selectColumns = `SELECT room_id, id, user_id, username, content, timestamp FROM messages`

// ScyllaBackend stores room logs in the "messages" table, one partition per
// room. Inserts are lightweight transactions so a reused id is rejected
// instead of overwriting an acknowledged message.
type ScyllaBackend struct {
	session *db.Session
}

func NewScyllaBackend(session *db.Session) *ScyllaBackend {
	return &ScyllaBackend{session: session}
}

func (b *ScyllaBackend) LastMessage(ctx context.Context, roomID int64) (model.Message, bool, error) {
	var msg model.Message
	err := b.session.Query(selectColumns+` WHERE room_id = ? LIMIT 1`, roomID).
		WithContext(ctx).
		Scan(&msg.RoomID, &msg.ID, &msg.SenderID, &msg.SenderName, &msg.Body, &msg.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, true, nil
}

func (b *ScyllaBackend) Put(ctx context.Context, msg model.Message) error {
	query := `INSERT INTO messages (room_id, id, user_id, username, content, timestamp) VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	applied, err := b.session.Query(query, msg.RoomID, msg.ID, msg.SenderID, msg.SenderName, msg.Body, msg.CreatedAt).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: room %d id %d", errDuplicateID, msg.RoomID, msg.ID)
	}
	return nil
}

func (b *ScyllaBackend) Range(ctx context.Context, roomID int64, q Query) ([]model.Message, error) {
	var iter *gocql.Iter
	switch {
	case q.Forward:
		iter = b.session.Query(selectColumns+` WHERE room_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, roomID, q.After, q.Limit).
			WithContext(ctx).Iter()
	case q.Before > 0:
		iter = b.session.Query(selectColumns+` WHERE room_id = ? AND id < ? LIMIT ?`, roomID, q.Before, q.Limit).
			WithContext(ctx).Iter()
	default:
		iter = b.session.Query(selectColumns+` WHERE room_id = ? LIMIT ?`, roomID, q.Limit).
			WithContext(ctx).Iter()
	}

	var messages []model.Message
	var m model.Message
	for iter.Scan(&m.RoomID, &m.ID, &m.SenderID, &m.SenderName, &m.Body, &m.CreatedAt) {
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	if !q.Forward && q.Before <= 0 {
		messages = lo.Reverse(messages)
	}
	return messages, nil
}

func (b *ScyllaBackend) Close() error {
	b.session.Close()
	return nil
}
