package directory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/roomcast/pkg/model"
	"github.com/samber/lo"
)

type staticRoom struct {
	room    model.Room
	members map[int64]struct{}
}

// Static is an in-memory room directory. A room without members is open to
// every authenticated user.
type Static struct {
	mu     sync.RWMutex
	byID   map[int64]*staticRoom
	byName map[string]int64
}

func NewStatic() *Static {
	return &Static{byID: make(map[int64]*staticRoom), byName: make(map[string]int64)}
}

// ParseStatic builds a directory from a list such as "1:general;2:staff:1|2":
// rooms separated by ";" or ",", each "id:name" optionally followed by ":"
// and a "|" separated member list.
func ParseStatic(list string) (*Static, error) {
	d := NewStatic()
	entries := strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' })
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid room %q, expected id:name[:members]", entry)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid room id in %q", entry)
		}
		var members []int64
		if len(parts) == 3 && parts[2] != "" {
			for _, m := range strings.Split(parts[2], "|") {
				userID, err := strconv.ParseInt(m, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid member %q in %q", m, entry)
				}
				members = append(members, userID)
			}
		}
		if err := d.AddRoom(model.Room{ID: id, Name: parts[1], CreatedAt: time.Now().UTC()}, members...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddRoom registers a room. Room ids and names must be unique.
func (d *Static) AddRoom(room model.Room, members ...int64) error {
	if room.Name == "" {
		return fmt.Errorf("room %d has no name", room.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[room.ID]; ok {
		return fmt.Errorf("room id %d already registered", room.ID)
	}
	if _, ok := d.byName[room.Name]; ok {
		return fmt.Errorf("room name %q already registered", room.Name)
	}
	d.byID[room.ID] = &staticRoom{room: room, members: lo.SliceToMap(members, func(id int64) (int64, struct{}) {
		return id, struct{}{}
	})}
	d.byName[room.Name] = room.ID
	return nil
}

func (d *Static) Resolve(_ context.Context, ref string) (model.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.byName[ref]; ok {
		return d.byID[id].room, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if r, ok := d.byID[id]; ok {
			return r.room, nil
		}
	}
	return model.Room{}, fmt.Errorf("%w: %q", model.ErrRoomNotFound, ref)
}

func (d *Static) RoomExists(_ context.Context, roomID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[roomID]
	return ok, nil
}

func (d *Static) IsMember(_ context.Context, userID, roomID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byID[roomID]
	if !ok {
		return false, fmt.Errorf("%w: %d", model.ErrRoomNotFound, roomID)
	}
	if len(r.members) == 0 {
		return true, nil
	}
	_, ok = r.members[userID]
	return ok, nil
}

// Rooms lists every room ordered by id.
func (d *Static) Rooms() []model.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rooms := lo.MapToSlice(d.byID, func(_ int64, r *staticRoom) model.Room { return r.room })
	slices.SortFunc(rooms, func(a, b model.Room) int { return cmp.Compare(a.ID, b.ID) })
	return rooms
}

// Members returns the explicit members of a room, sorted. It is empty for
// open rooms.
func (d *Static) Members(roomID int64) []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byID[roomID]
	if !ok {
		return nil
	}
	ids := lo.Keys(r.members)
	slices.Sort(ids)
	return ids
}
