package triggers

import (
	"context"
	"sync"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
)

// ChannelSource is an in-process Source. Batches published before a
// subscriber arrives wait in the deployment's queue.
type ChannelSource struct {
	queues map[subgraphruntime.DeploymentID]chan Batch
	buffer int
	mu     sync.Mutex
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &ChannelSource{
		queues: make(map[subgraphruntime.DeploymentID]chan Batch),
		buffer: buffer,
	}
}

func (s *ChannelSource) queue(id subgraphruntime.DeploymentID) chan Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		q = make(chan Batch, s.buffer)
		s.queues[id] = q
	}
	return q
}

// Publish queues b for id, blocking while the queue is full.
func (s *ChannelSource) Publish(ctx context.Context, id subgraphruntime.DeploymentID, b Batch) error {
	if err := b.Normalize(); err != nil {
		return err
	}
	select {
	case s.queue(id) <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the queue of id. The queue outlives ctx and is never
// closed, so a restarted deployment continues where it stopped.
func (s *ChannelSource) Subscribe(_ context.Context, id subgraphruntime.DeploymentID) (<-chan Batch, error) {
	return s.queue(id), nil
}

// Pending returns the number of queued batches of id.
func (s *ChannelSource) Pending(id subgraphruntime.DeploymentID) int {
	return len(s.queue(id))
}
