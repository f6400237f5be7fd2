package broker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testBlock(payload string) *Block {
	return &Block{Envelope: []byte("e"), Payload: []byte(payload)}
}

func TestQueueFIFOOrdering(t *testing.T) {
	q := NewQueue(0, 0)
	q.SetRegistered(true)

	var order []string
	for _, p := range []string{"a", "b", "c"} {
		p := p
		ok := q.TryEnqueue(testBlock(p), 0, func(err error) {
			order = append(order, p)
		})
		assert.True(t, ok)
	}

	client, server := net.Pipe()
	defer client.Close()
	go func() {
		codec := NewCodec()
		for i := 0; i < 3; i++ {
			codec.ReadOne(server)
		}
	}()

	conn := NewConnection(client, DirectionOutbound, NewCodec())
	err := q.DrainTo(conn)
	assert.Nil(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestQueueRespectsMaxEntries(t *testing.T) {
	q := NewQueue(2, 0)
	q.SetRegistered(true)

	assert.True(t, q.TryEnqueue(testBlock("a"), 0, nil))
	assert.True(t, q.TryEnqueue(testBlock("b"), 0, nil))
	assert.False(t, q.TryEnqueue(testBlock("c"), 0, nil))
	assert.Equal(t, 2, q.Len())
}

func TestQueueRespectsMaxBytes(t *testing.T) {
	q := NewQueue(0, 3) // "e"+"ab" = 3 bytes
	q.SetRegistered(true)

	assert.True(t, q.TryEnqueue(testBlock("ab"), 0, nil))
	assert.False(t, q.TryEnqueue(testBlock("x"), 0, nil))
}

func TestQueuePreRegistrationThreshold(t *testing.T) {
	q := NewQueue(1000, 0)
	q.preRegLimit = 2

	assert.True(t, q.TryEnqueue(testBlock("a"), 0, nil))
	assert.True(t, q.TryEnqueue(testBlock("b"), 0, nil))
	assert.False(t, q.TryEnqueue(testBlock("c"), 0, nil))

	q.SetRegistered(true)
	assert.True(t, q.TryEnqueue(testBlock("d"), 0, nil))
}

func TestQueueFailAllCompletesEveryEntry(t *testing.T) {
	q := NewQueue(0, 0)
	q.SetRegistered(true)

	var got []error
	for i := 0; i < 3; i++ {
		q.TryEnqueue(testBlock("x"), 0, func(err error) {
			got = append(got, err)
		})
	}

	q.FailAll(ErrOperationAborted)
	assert.Equal(t, 3, len(got))
	for _, err := range got {
		assert.Equal(t, ErrOperationAborted, err)
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), q.Bytes())

	assert.False(t, q.TryEnqueue(testBlock("y"), 0, nil))
}
