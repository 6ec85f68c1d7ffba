// Package manifest models a deployment manifest and resolves it, together
// with the schema, ABIs and mapping modules it links to.
package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/errors"
)

// LinkRef is an IPLD-style link object: {"/": "/ipfs/<hash>"}.
type LinkRef struct {
	Link subgraphruntime.Link `yaml:"/"`
}

// Manifest describes a deployment.
type Manifest struct {
	ID          subgraphruntime.DeploymentID `yaml:"-"`
	SpecVersion string                       `yaml:"specVersion"`
	Description string                       `yaml:"description,omitempty"`
	Repository  string                       `yaml:"repository,omitempty"`
	Schema      Schema                       `yaml:"schema"`
	DataSources []DataSource                 `yaml:"dataSources"`
}

// Schema is the entity schema. Document and Types are filled by Resolve.
type Schema struct {
	File     LinkRef      `yaml:"file"`
	Document string       `yaml:"-"`
	Types    []EntityType `yaml:"-"`
}

type DataSource struct {
	Kind    string  `yaml:"kind"`
	Name    string  `yaml:"name"`
	Network string  `yaml:"network,omitempty"`
	Source  Source  `yaml:"source"`
	Mapping Mapping `yaml:"mapping"`
}

type Source struct {
	Address    string `yaml:"address,omitempty"`
	ABI        string `yaml:"abi"`
	StartBlock uint64 `yaml:"startBlock,omitempty"`
}

// Mapping names the compiled module and the handlers it exports. Runtime
// holds the module bytes after Resolve.
type Mapping struct {
	Kind          string         `yaml:"kind"`
	APIVersion    string         `yaml:"apiVersion"`
	Language      string         `yaml:"language"`
	Entities      []string       `yaml:"entities"`
	ABIs          []MappingABI   `yaml:"abis"`
	EventHandlers []EventHandler `yaml:"eventHandlers,omitempty"`
	CallHandlers  []CallHandler  `yaml:"callHandlers,omitempty"`
	BlockHandlers []BlockHandler `yaml:"blockHandlers,omitempty"`
	File          LinkRef        `yaml:"file"`
	Runtime       []byte         `yaml:"-"`
}

type MappingABI struct {
	Name     string  `yaml:"name"`
	File     LinkRef `yaml:"file"`
	Contents []byte  `yaml:"-"`
}

type EventHandler struct {
	Event   string `yaml:"event"`
	Handler string `yaml:"handler"`
}

type CallHandler struct {
	Function string `yaml:"function"`
	Handler  string `yaml:"handler"`
}

type BlockHandler struct {
	Handler string `yaml:"handler"`
}

// Parse decodes a manifest document and validates its structure. Linked
// files are not fetched.
func Parse(id subgraphruntime.DeploymentID, data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.ParseFailed("manifest", err)
	}
	m.ID = id
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	var problems []string
	if m.Schema.File.Link == "" {
		problems = append(problems, "schema.file is required")
	}
	if len(m.DataSources) == 0 {
		problems = append(problems, "at least one data source is required")
	}
	names := make(map[string]bool)
	for i, ds := range m.DataSources {
		where := fmt.Sprintf("dataSources[%d]", i)
		if ds.Name == "" {
			problems = append(problems, where+".name is required")
		} else if names[ds.Name] {
			problems = append(problems, where+": duplicate data source name "+ds.Name)
		}
		names[ds.Name] = true
		if ds.Mapping.File.Link == "" {
			problems = append(problems, where+".mapping.file is required")
		}
		if ds.Mapping.APIVersion == "" {
			problems = append(problems, where+".mapping.apiVersion is required")
		}
		if len(ds.Mapping.EventHandlers)+len(ds.Mapping.CallHandlers)+len(ds.Mapping.BlockHandlers) == 0 {
			problems = append(problems, where+" declares no handlers")
		}
		for j, h := range ds.Mapping.EventHandlers {
			if h.Event == "" || h.Handler == "" {
				problems = append(problems, fmt.Sprintf("%s.mapping.eventHandlers[%d] needs event and handler", where, j))
			}
		}
		for j, h := range ds.Mapping.CallHandlers {
			if h.Function == "" || h.Handler == "" {
				problems = append(problems, fmt.Sprintf("%s.mapping.callHandlers[%d] needs function and handler", where, j))
			}
		}
	}
	if len(problems) > 0 {
		return errors.InvalidInput(errors.PhaseParse, "invalid manifest: "+strings.Join(problems, "; "))
	}
	return nil
}

// HandlerNames lists every handler export a data source refers to.
func (ds *DataSource) HandlerNames() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, h := range ds.Mapping.EventHandlers {
		add(h.Handler)
	}
	for _, h := range ds.Mapping.CallHandlers {
		add(h.Handler)
	}
	for _, h := range ds.Mapping.BlockHandlers {
		add(h.Handler)
	}
	return out
}

// Handlers returns the handlers of ds that t triggers, in declaration order.
func (ds *DataSource) Handlers(t chain.Trigger) []string {
	if t.Block == nil || t.Block.Number < ds.Source.StartBlock {
		return nil
	}
	if t.Kind != chain.TriggerBlock && ds.Source.Address != "" && !chain.SameAddress(ds.Source.Address, t.Address()) {
		return nil
	}

	var out []string
	switch t.Kind {
	case chain.TriggerLog:
		sig := NormalizeSignature(t.Log.Signature)
		for _, h := range ds.Mapping.EventHandlers {
			if NormalizeSignature(h.Event) == sig {
				out = append(out, h.Handler)
			}
		}
	case chain.TriggerCall:
		sig := NormalizeSignature(t.Call.Signature)
		for _, h := range ds.Mapping.CallHandlers {
			if NormalizeSignature(h.Function) == sig {
				out = append(out, h.Handler)
			}
		}
	case chain.TriggerBlock:
		for _, h := range ds.Mapping.BlockHandlers {
			out = append(out, h.Handler)
		}
	}
	return out
}

// NormalizeSignature drops whitespace and indexed markers so that
// "Transfer(indexed address, address, uint256)" matches
// "Transfer(address,address,uint256)".
func NormalizeSignature(sig string) string {
	sig = strings.ReplaceAll(sig, "indexed ", "")
	return strings.Join(strings.Fields(sig), "")
}
