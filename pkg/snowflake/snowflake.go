package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrInvalidNode = errors.New("node number must be between 0 and 1023")

// ID is a time-ordered 63-bit identifier used for sessions.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 36)
}

// Time returns the millisecond timestamp embedded in the id.
func (id ID) Time() time.Time {
	return time.UnixMilli((int64(id) >> timeShift) + epoch)
}

// Node returns the node number embedded in the id.
func (id ID) Node() int64 {
	return (int64(id) >> nodeShift) & nodeMax
}

type Node struct {
	mu   sync.Mutex
	now  func() int64
	time int64
	node int64
	step int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrInvalidNode
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing,
// even when the wall clock steps backwards.
func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.time {
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// Sequence exhausted for this millisecond.
			for now <= n.time {
				now = n.now()
				if now < n.time {
					now = n.time
				}
			}
		}
	} else {
		n.step = 0
	}

	n.time = now
	return ID(((now - epoch) << timeShift) | (n.node << nodeShift) | n.step)
}
