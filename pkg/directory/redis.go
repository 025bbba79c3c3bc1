package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mahaj/roomcast/pkg/model"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	rooms:names          hash  name -> id
//	room:{id}            hash  name, created_at (unix ms)
//	room:{id}:members    set   user ids; empty means the room is open
const namesKey = "rooms:names"

func roomKey(id int64) string    { return "room:" + strconv.FormatInt(id, 10) }
func membersKey(id int64) string { return roomKey(id) + ":members" }

// Redis is a room directory backed by Redis hashes and sets. Rooms are
// created by whatever service owns room CRUD; CreateRoom and AddMember exist
// for seeding and tests.
type Redis struct {
	redis *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{redis: rdb}
}

func (d *Redis) Resolve(ctx context.Context, ref string) (model.Room, error) {
	id, err := d.redis.HGet(ctx, namesKey, ref).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		id, err = strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return model.Room{}, fmt.Errorf("%w: %q", model.ErrRoomNotFound, ref)
		}
	case err != nil:
		return model.Room{}, fmt.Errorf("resolving room %q: %w", ref, err)
	}
	return d.room(ctx, id)
}

func (d *Redis) room(ctx context.Context, id int64) (model.Room, error) {
	fields, err := d.redis.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return model.Room{}, fmt.Errorf("loading room %d: %w", id, err)
	}
	name, ok := fields["name"]
	if !ok {
		return model.Room{}, fmt.Errorf("%w: %d", model.ErrRoomNotFound, id)
	}
	room := model.Room{ID: id, Name: name}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		room.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return room, nil
}

func (d *Redis) RoomExists(ctx context.Context, roomID int64) (bool, error) {
	n, err := d.redis.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *Redis) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	var exists *redis.IntCmd
	var size *redis.IntCmd
	var member *redis.BoolCmd
	_, err := d.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, roomKey(roomID))
		size = pipe.SCard(ctx, membersKey(roomID))
		member = pipe.SIsMember(ctx, membersKey(roomID), strconv.FormatInt(userID, 10))
		return nil
	})
	if err != nil {
		return false, err
	}
	if exists.Val() == 0 {
		return false, fmt.Errorf("%w: %d", model.ErrRoomNotFound, roomID)
	}
	return size.Val() == 0 || member.Val(), nil
}

// CreateRoom registers a room and its initial members. It fails if the name
// is already taken.
func (d *Redis) CreateRoom(ctx context.Context, room model.Room, members ...int64) error {
	ok, err := d.redis.HSetNX(ctx, namesKey, room.Name, room.ID).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("room name %q already registered", room.Name)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err = d.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(room.ID), "name", room.Name, "created_at", room.CreatedAt.UnixMilli())
		for _, m := range members {
			pipe.SAdd(ctx, membersKey(room.ID), strconv.FormatInt(m, 10))
		}
		return nil
	})
	return err
}

func (d *Redis) AddMember(ctx context.Context, roomID, userID int64) error {
	return d.redis.SAdd(ctx, membersKey(roomID), strconv.FormatInt(userID, 10)).Err()
}

// Seed copies every room of a static directory into Redis, skipping names
// that already exist.
func (d *Redis) Seed(ctx context.Context, rooms []model.Room, members func(roomID int64) []int64) error {
	for _, room := range rooms {
		exists, err := d.redis.HExists(ctx, namesKey, room.Name).Result()
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := d.CreateRoom(ctx, room, members(room.ID)...); err != nil {
			return err
		}
	}
	return nil
}
