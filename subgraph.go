package subgraphruntime

import "context"

// DeploymentID identifies one indexing job.
type DeploymentID string

func (id DeploymentID) String() string {
	return string(id)
}

// Link returns the content-address link the deployment manifest is stored under.
func (id DeploymentID) Link() Link {
	return Link("/ipfs/" + string(id))
}

// Link is a content-addressed path such as /ipfs/<hash>.
type Link string

func (l Link) String() string {
	return string(l)
}

// Memory represents guest linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
}

// MemorySizer provides the current size of guest linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator allocates memory in guest linear memory
type Allocator interface {
	Alloc(size uint32) (uint32, error)
}

// LinkResolver fetches content-addressed data.
type LinkResolver interface {
	Cat(ctx context.Context, link Link) ([]byte, error)
}

// JSONStreamer is implemented by resolvers that can stream a linked file of
// newline-delimited JSON values without buffering it whole.
type JSONStreamer interface {
	StreamJSON(ctx context.Context, link Link, fn func(line int, value []byte) error) error
}
