package resolver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/errors"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.Add("QmA", []byte("hello"))

	data, err := s.Cat(ctx, "/ipfs/QmA")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data[0] = 'j'
	again, _ := s.Cat(ctx, "QmA")
	assert.Equal(t, "hello", string(again))

	_, err = s.Cat(ctx, "/ipfs/QmMissing")
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseResolve, Kind: errors.KindNotFound})
}

func TestJSONLines(t *testing.T) {
	s := NewStatic()
	s.Add("QmList", []byte("{\"id\": 1}\n\n[\"a\"]\n\"x\"\n"))

	var got []abi.Value
	var lines []int
	err := JSONLines(context.Background(), s, "/ipfs/QmList", func(line int, v abi.Value) error {
		lines = append(lines, line)
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, lines)
	require.Len(t, got, 3)
	assert.True(t, got[0].Equal(abi.Map(abi.E("id", abi.I64(1)))))
	assert.True(t, got[2].Equal(abi.String("x")))
}

func TestJSONLinesInvalid(t *testing.T) {
	s := NewStatic()
	s.Add("QmBroken", []byte("{\"id\": 1}\n{oops\n"))

	calls := 0
	err := JSONLines(context.Background(), s, "/ipfs/QmBroken", func(int, abi.Value) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, calls)
}

func newIPFSServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v0/cat" {
			http.NotFound(w, r)
			return
		}
		body, ok := files[r.URL.Query().Get("arg")]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"Message":"merkledag: not found"}`)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIPFS(t *testing.T) {
	srv := newIPFSServer(t, map[string]string{
		"/ipfs/QmManifest": "specVersion: 0.0.4\n",
		"/ipfs/QmBig":      strings.Repeat("x", 64),
		"/ipfs/QmLines":    "1\n2\n3\n",
	})
	r := NewIPFS(IPFSConfig{URL: srv.URL + "/", MaxFileSize: 32}, nil)
	ctx := context.Background()

	data, err := r.Cat(ctx, "/ipfs/QmManifest")
	require.NoError(t, err)
	assert.Equal(t, "specVersion: 0.0.4\n", string(data))

	_, err = r.Cat(ctx, "/ipfs/QmMissing")
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseResolve, Kind: errors.KindNotFound})

	_, err = r.Cat(ctx, "/ipfs/QmBig")
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseResolve, Kind: errors.KindOverflow})

	var sum int64
	err = JSONLines(ctx, r, "QmLines", func(_ int, v abi.Value) error {
		n, _ := v.AsInt()
		sum += n
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), sum)
}

func TestIPFSUnreachable(t *testing.T) {
	r := NewIPFS(IPFSConfig{URL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
	_, err := r.Cat(context.Background(), "/ipfs/QmBad")
	assert.ErrorIs(t, err, errors.ErrResolve)
}

type countingResolver struct {
	subgraphruntime.LinkResolver
	calls atomic.Int32
}

func (c *countingResolver) Cat(ctx context.Context, link subgraphruntime.Link) ([]byte, error) {
	c.calls.Add(1)
	return c.LinkResolver.Cat(ctx, link)
}

func TestCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	static := NewStatic()
	static.Add("QmA", []byte("manifest"))
	static.Add("QmLarge", []byte(strings.Repeat("y", 100)))
	inner := &countingResolver{LinkResolver: static}

	c := NewCache(inner, client, WithCacheTTL(time.Minute), WithMaxEntry(50))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, err := c.Cat(ctx, "/ipfs/QmA")
		require.NoError(t, err)
		assert.Equal(t, "manifest", string(data))
	}
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.True(t, mr.Exists("subgraph:link:/ipfs/QmA"))
	assert.Equal(t, time.Minute, mr.TTL("subgraph:link:/ipfs/QmA"))

	_, err = c.Cat(ctx, "QmLarge")
	require.NoError(t, err)
	assert.False(t, mr.Exists("subgraph:link:/ipfs/QmLarge"))

	_, err = c.Cat(ctx, "QmMissing")
	assert.Error(t, err)
}

func TestCacheFallsThroughWhenRedisIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	static := NewStatic()
	static.Add("QmA", []byte("data"))
	c := NewCache(static, client)

	data, err := c.Cat(context.Background(), "QmA")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestCacheStreamJSON(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	srv := newIPFSServer(t, map[string]string{"/ipfs/QmLines": "{\"a\":1}\n{\"a\":2}\n"})
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	c := NewCache(NewIPFS(IPFSConfig{URL: srv.URL}, nil), client)

	count := 0
	err = JSONLines(context.Background(), c, "/ipfs/QmLines", func(int, abi.Value) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
