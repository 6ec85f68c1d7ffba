package manifest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
)

// Resolve fetches the manifest at link and every file it links to. The
// deployment id is the link without its /ipfs/ prefix.
func Resolve(ctx context.Context, link subgraphruntime.Link, resolver subgraphruntime.LinkResolver, logger *zap.Logger) (*Manifest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := subgraphruntime.DeploymentID(strings.TrimPrefix(string(link), "/ipfs/"))

	raw, err := resolver.Cat(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", link, err)
	}
	m, err := Parse(id, raw)
	if err != nil {
		return nil, err
	}

	doc, err := resolver.Cat(ctx, m.Schema.File.Link)
	if err != nil {
		return nil, fmt.Errorf("fetch schema %s: %w", m.Schema.File.Link, err)
	}
	m.Schema.Document = string(doc)
	if m.Schema.Types, err = ParseSchema(m.Schema.Document); err != nil {
		return nil, err
	}

	for i := range m.DataSources {
		ds := &m.DataSources[i]
		for j := range ds.Mapping.ABIs {
			a := &ds.Mapping.ABIs[j]
			if a.File.Link == "" {
				continue
			}
			if a.Contents, err = resolver.Cat(ctx, a.File.Link); err != nil {
				return nil, fmt.Errorf("fetch abi %s of %s: %w", a.Name, ds.Name, err)
			}
		}
		if ds.Mapping.Runtime, err = resolver.Cat(ctx, ds.Mapping.File.Link); err != nil {
			return nil, fmt.Errorf("fetch mapping of %s: %w", ds.Name, err)
		}
		logger.Debug("resolved data source",
			zap.String("deployment", string(id)),
			zap.String("data_source", ds.Name),
			zap.Int("module_bytes", len(ds.Mapping.Runtime)))
	}

	return m, nil
}
