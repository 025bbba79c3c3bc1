package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNode_Range(t *testing.T) {
	req := require.New(t)

	_, err := NewNode(-1)
	req.ErrorIs(err, ErrInvalidNode)
	_, err = NewNode(1024)
	req.ErrorIs(err, ErrInvalidNode)

	node, err := NewNode(1023)
	req.NoError(err)
	req.Equal(int64(1023), node.Generate().Node())
}

func TestGenerate_StrictlyIncreasing(t *testing.T) {
	req := require.New(t)
	node, err := NewNode(7)
	req.NoError(err)

	prev := node.Generate()
	for i := 0; i < 10000; i++ {
		id := node.Generate()
		req.Greater(id, prev)
		prev = id
	}
	req.WithinDuration(time.Now(), prev.Time(), time.Second)
}

func TestGenerate_ClockMovesBackwards(t *testing.T) {
	req := require.New(t)
	node, err := NewNode(1)
	req.NoError(err)

	clock := time.Now().UnixMilli()
	node.now = func() int64 { return clock }
	first := node.Generate()

	// Given the wall clock jumps one second into the past
	clock -= 1000

	// Then ids keep increasing
	second := node.Generate()
	req.Greater(second, first)
	req.Equal(first.Time(), second.Time())
}
