// Package resolver implements content-addressed link resolution: an IPFS
// HTTP API client, an in-memory table and a Redis-backed cache.
package resolver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/errors"
)

// MaxJSONLine bounds one line of a JSON stream.
const MaxJSONLine = 1 << 20

// Static resolves links from an in-memory table.
type Static struct {
	files map[subgraphruntime.Link][]byte
	mu    sync.RWMutex
}

func NewStatic() *Static {
	return &Static{files: make(map[subgraphruntime.Link][]byte)}
}

// Add stores data under link.
func (s *Static) Add(link subgraphruntime.Link, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[normalize(link)] = bytes.Clone(data)
}

func (s *Static) Cat(ctx context.Context, link subgraphruntime.Link) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[normalize(link)]
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "link", string(link))
	}
	return bytes.Clone(data), nil
}

// normalize accepts both /ipfs/<hash> and a bare hash.
func normalize(link subgraphruntime.Link) subgraphruntime.Link {
	s := strings.TrimSpace(string(link))
	if !strings.HasPrefix(s, "/") {
		s = "/ipfs/" + s
	}
	return subgraphruntime.Link(s)
}

// JSONLines calls fn with every value of a newline-delimited JSON file.
// Resolvers implementing subgraphruntime.JSONStreamer are streamed; others
// are fetched whole. Blank lines are skipped.
func JSONLines(ctx context.Context, r subgraphruntime.LinkResolver, link subgraphruntime.Link, fn func(line int, v abi.Value) error) error {
	handle := func(line int, raw []byte) error {
		v, err := abi.FromJSON(raw)
		if err != nil {
			return errors.New(errors.PhaseResolve, errors.KindInvalidData).
				Cause(err).
				Detailf("%s line %d is not valid JSON", link, line).
				Build()
		}
		return fn(line, v)
	}

	if s, ok := r.(subgraphruntime.JSONStreamer); ok {
		return s.StreamJSON(ctx, link, handle)
	}

	data, err := r.Cat(ctx, link)
	if err != nil {
		return err
	}
	return scanLines(ctx, bytes.NewReader(data), handle)
}

func scanLines(ctx context.Context, rd io.Reader, fn func(line int, raw []byte) error) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64<<10), MaxJSONLine)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(line, raw); err != nil {
			return err
		}
	}
	return sc.Err()
}
