package triggers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
)

func testBatch(number uint64) Batch {
	block := &chain.Block{Number: number, Hash: "0xb", ParentHash: "0xa"}
	return Batch{
		Block: block,
		Triggers: []chain.Trigger{
			chain.NewBlockTrigger(block),
			chain.NewLogTrigger(block, &chain.Log{Address: "0x1", Signature: "Transfer(address)", LogIndex: 2, TxIndex: 1}),
			chain.NewLogTrigger(block, &chain.Log{Address: "0x1", Signature: "Transfer(address)", LogIndex: 1, TxIndex: 1}),
		},
	}
}

func TestNormalize(t *testing.T) {
	b := testBatch(7)
	require.NoError(t, b.Normalize())
	require.Len(t, b.Triggers, 3)
	assert.Equal(t, uint64(1), b.Triggers[0].Log.LogIndex)
	assert.Equal(t, uint64(2), b.Triggers[1].Log.LogIndex)
	assert.Equal(t, chain.TriggerBlock, b.Triggers[2].Kind)

	t.Run("no block", func(t *testing.T) {
		err := (&Batch{}).Normalize()
		assert.Error(t, err)
	})
	t.Run("foreign block", func(t *testing.T) {
		b := testBatch(7)
		b.Triggers[0].Block = &chain.Block{Number: 8}
		assert.ErrorContains(t, b.Normalize(), "block 8")
	})
	t.Run("invalid trigger", func(t *testing.T) {
		b := testBatch(7)
		b.Triggers[1].Log = nil
		assert.ErrorContains(t, b.Normalize(), "trigger 1")
	})
}

func TestDecodeBatchSharesBlock(t *testing.T) {
	src := testBatch(9)
	src.Triggers[1].Log.Params = []chain.Param{{Name: "value", Value: abi.U64(5)}}
	data, err := json.Marshal(src)
	require.NoError(t, err)

	b, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), b.Block.Number)
	for _, tr := range b.Triggers {
		assert.Same(t, b.Block, tr.Block)
	}

	_, err = DecodeBatch([]byte(`{"triggers": []}`))
	assert.Error(t, err)
}

func TestChannelSource(t *testing.T) {
	s := NewChannelSource(2)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, "QmA", testBatch(1)))
	assert.Equal(t, 1, s.Pending("QmA"))
	assert.Equal(t, 0, s.Pending("QmB"))

	ch, err := s.Subscribe(ctx, "QmA")
	require.NoError(t, err)
	b := <-ch
	assert.Equal(t, uint64(1), b.Block.Number)

	require.NoError(t, s.Publish(ctx, "QmA", testBatch(2)))
	require.NoError(t, s.Publish(ctx, "QmA", testBatch(3)))
	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Publish(full, "QmA", testBatch(4)), context.DeadlineExceeded)

	again, err := s.Subscribe(ctx, "QmA")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), (<-again).Block.Number)

	assert.Error(t, s.Publish(ctx, "QmA", Batch{}))
}

type fakeSubscription struct {
	unsubscribed bool
}

func (s *fakeSubscription) Unsubscribe() error {
	s.unsubscribed = true
	return nil
}

type fakeConn struct {
	handlers  map[string]nats.MsgHandler
	subs      map[string]*fakeSubscription
	published map[string][][]byte
	mu        sync.Mutex
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers:  make(map[string]nats.MsgHandler),
		subs:      make(map[string]*fakeSubscription),
		published: make(map[string][][]byte),
	}
}

func (c *fakeConn) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = handler
	sub := &fakeSubscription{}
	c.subs[subject] = sub
	return sub, nil
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	handler := c.handlers[subject]
	c.published[subject] = append(c.published[subject], data)
	c.mu.Unlock()
	if handler != nil {
		handler(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func TestNATSSource(t *testing.T) {
	conn := newFakeConn()
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewNATSSource(conn, NATSConfig{}, zap.New(core))
	assert.Equal(t, "triggers.QmA", s.Subject("QmA"))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "QmA")
	require.NoError(t, err)

	require.NoError(t, s.Publish("QmA", testBatch(4)))
	b := <-ch
	assert.Equal(t, uint64(4), b.Block.Number)
	assert.Len(t, b.Triggers, 3)

	require.NoError(t, conn.Publish("triggers.QmA", []byte("not json")))
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed trigger batch").Len())

	cancel()
	_, open := <-ch
	assert.False(t, open)
	conn.mu.Lock()
	assert.True(t, conn.subs["triggers.QmA"].unsubscribed)
	conn.mu.Unlock()

	// Deliveries after the subscription ended are dropped.
	require.NoError(t, s.Publish("QmA", testBatch(5)))
}

func TestNATSSourceSubjectPrefix(t *testing.T) {
	s := NewNATSSource(newFakeConn(), NATSConfig{SubjectPrefix: "chain.mainnet"}, nil)
	assert.Equal(t, "chain.mainnet.QmA", s.Subject("QmA"))
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), NATSConfig{}, nil)
	assert.Error(t, err)
}
