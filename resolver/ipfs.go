package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/errors"
)

// IPFSConfig configures the IPFS HTTP API client.
type IPFSConfig struct {
	// URL of the API, e.g. http://127.0.0.1:5001.
	URL string `mapstructure:"url" yaml:"url"`

	// Timeout bounds one request. 0 means 60s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxFileSize bounds a Cat response. 0 means 256MB.
	MaxFileSize int64 `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// IPFS resolves links through the /api/v0/cat endpoint of an IPFS node.
type IPFS struct {
	client  *http.Client
	logger  *zap.Logger
	base    string
	maxSize int64
}

func NewIPFS(cfg IPFSConfig, logger *zap.Logger) *IPFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxSize := cfg.MaxFileSize
	if maxSize == 0 {
		maxSize = 256 << 20
	}
	return &IPFS{
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("ipfs"),
		base:    strings.TrimRight(cfg.URL, "/"),
		maxSize: maxSize,
	}
}

func (r *IPFS) open(ctx context.Context, link subgraphruntime.Link) (io.ReadCloser, error) {
	u := r.base + "/api/v0/cat?arg=" + url.QueryEscape(string(normalize(link)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseResolve, errors.KindResolve, err, "ipfs cat "+string(link))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || strings.Contains(string(msg), "not found") {
			return nil, errors.NotFound(errors.PhaseResolve, "link", string(link))
		}
		return nil, errors.New(errors.PhaseResolve, errors.KindResolve).
			Detailf("ipfs cat %s: status %d: %s", link, resp.StatusCode, strings.TrimSpace(string(msg))).
			Build()
	}
	return resp.Body, nil
}

func (r *IPFS) Cat(ctx context.Context, link subgraphruntime.Link) ([]byte, error) {
	start := time.Now()
	body, err := r.open(ctx, link)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, r.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", link, err)
	}
	if int64(len(data)) > r.maxSize {
		return nil, errors.New(errors.PhaseResolve, errors.KindOverflow).
			Detailf("%s exceeds the maximum file size of %d bytes", link, r.maxSize).
			Build()
	}

	r.logger.Debug("cat",
		zap.String("link", string(link)),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return data, nil
}

// StreamJSON reads the file line by line without buffering it.
func (r *IPFS) StreamJSON(ctx context.Context, link subgraphruntime.Link, fn func(line int, value []byte) error) error {
	body, err := r.open(ctx, link)
	if err != nil {
		return err
	}
	defer body.Close()
	return scanLines(ctx, io.LimitReader(body, r.maxSize), fn)
}
