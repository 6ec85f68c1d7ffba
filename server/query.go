package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
	"github.com/wippyai/subgraph-runtime/store"
)

// Query is a request forwarded to the query runner. The runner sends exactly
// one Result on Result.
type Query struct {
	Document  json.RawMessage
	Variables map[string]any
	Result    chan Result
}

// NewQuery creates a query with a buffered result channel.
func NewQuery(document json.RawMessage, variables map[string]any) Query {
	return Query{Document: document, Variables: variables, Result: make(chan Result, 1)}
}

// Result is the outcome of a query. Err of kind invalid_input or not_found
// is the client's fault.
type Result struct {
	Data any
	Err  error
}

// FindDocument selects entities of one type. It is the query document the
// runner understands, given either as an object or as a JSON string.
type FindDocument struct {
	Deployment string         `json:"deployment"`
	Entity     string         `json:"entity"`
	Where      map[string]any `json:"where"`
	OrderBy    string         `json:"orderBy"`
	First      int            `json:"first"`
	Skip       int            `json:"skip"`
}

// Finder is the store read path of the runner.
type Finder interface {
	Find(ctx context.Context, q store.FindQuery) ([]entity.Data, error)
}

// Runner executes queries received on a channel against the store.
type Runner struct {
	store  Finder
	logger *zap.Logger
}

func NewRunner(store Finder, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, logger: logger.Named("query")}
}

// Run answers queries until ctx is done or the channel closes.
func (r *Runner) Run(ctx context.Context, queries <-chan Query) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-queries:
			if !ok {
				return
			}
			data, err := r.Execute(ctx, q.Document, q.Variables)
			if err != nil {
				r.logger.Debug("query failed", zap.Error(err))
			}
			q.Result <- Result{Data: data, Err: err}
		}
	}
}

// Execute runs one query document.
func (r *Runner) Execute(ctx context.Context, document json.RawMessage, variables map[string]any) (any, error) {
	doc, err := parseDocument(document)
	if err != nil {
		return nil, err
	}
	where, err := bindVariables(doc.Where, variables)
	if err != nil {
		return nil, err
	}

	found, err := r.store.Find(ctx, store.FindQuery{
		Deployment: subgraphruntime.DeploymentID(doc.Deployment),
		EntityType: doc.Entity,
		Where:      where,
		OrderBy:    doc.OrderBy,
		First:      doc.First,
		Skip:       doc.Skip,
	})
	if err != nil {
		return nil, err
	}

	out := make([]any, len(found))
	for i, d := range found {
		out[i] = d.ToValue().Plain()
	}
	return map[string]any{doc.Entity: out}, nil
}

func parseDocument(raw json.RawMessage) (FindDocument, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return FindDocument{}, errors.InvalidInput(errors.PhaseParse, "query is not a valid string")
		}
		raw = json.RawMessage(text)
	}

	var doc FindDocument
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return FindDocument{}, errors.New(errors.PhaseParse, errors.KindInvalidInput).
			Detail("malformed query document").Cause(err).Build()
	}
	if doc.Deployment == "" || doc.Entity == "" {
		return FindDocument{}, errors.InvalidInput(errors.PhaseParse, "query needs deployment and entity")
	}
	return doc, nil
}

// bindVariables replaces "$name" values of where with variables[name].
func bindVariables(where, variables map[string]any) (map[string]any, error) {
	if len(where) == 0 {
		return where, nil
	}
	out := make(map[string]any, len(where))
	for attr, v := range where {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
			bound, ok := variables[s[1:]]
			if !ok {
				return nil, errors.InvalidInput(errors.PhaseParse, "undefined variable "+s)
			}
			v = bound
		}
		out[attr] = v
	}
	return out, nil
}
