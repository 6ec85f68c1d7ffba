// Package store persists entities in SQLite through the ncruces driver.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/abi"
	"github.com/wippyai/subgraph-runtime/chain"
	"github.com/wippyai/subgraph-runtime/entity"
	"github.com/wippyai/subgraph-runtime/errors"
)

//go:embed schema.sql
var schemaSQL string

// indexNamespace scopes the ids of generated attribute index names.
var indexNamespace = uuid.MustParse("5f0c6c4e-8d1f-4a43-9d0b-6a1f0e9b7c21")

// SQLiteStore is the entity store.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.Named("store")}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BuildEntityAttributeIndexes creates one expression index per definition.
// Existing indexes are kept.
func (s *SQLiteStore) BuildEntityAttributeIndexes(ctx context.Context, defs []entity.AttributeIndex) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err, "begin index transaction")
	}
	defer tx.Rollback()

	for _, def := range defs {
		if !isIdentifier(def.Attribute) || def.EntityType == "" {
			return errors.InvalidInput(errors.PhaseStore, fmt.Sprintf("cannot index %s.%s", def.EntityType, def.Attribute))
		}
		name := indexName(def)
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %q ON entities (json_extract(attrs, '$.%s')) WHERE deployment = %s AND entity_type = %s`,
			name, def.Attribute, quote(string(def.Deployment)), quote(def.EntityType))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeError(err, "create index "+name)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO attribute_indexes (deployment, entity_type, attribute, field_type, index_name) VALUES (?, ?, ?, ?, ?)`,
			string(def.Deployment), def.EntityType, def.Attribute, def.FieldType, name); err != nil {
			return storeError(err, "record index "+name)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError(err, "commit indexes")
	}
	s.logger.Debug("built attribute indexes", zap.Int("count", len(defs)))
	return nil
}

// Indexes lists the attribute indexes of a deployment.
func (s *SQLiteStore) Indexes(ctx context.Context, id subgraphruntime.DeploymentID) ([]entity.AttributeIndex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, attribute, field_type FROM attribute_indexes WHERE deployment = ? ORDER BY entity_type, attribute`,
		string(id))
	if err != nil {
		return nil, storeError(err, "list indexes")
	}
	defer rows.Close()

	var out []entity.AttributeIndex
	for rows.Next() {
		def := entity.AttributeIndex{Deployment: id}
		if err := rows.Scan(&def.EntityType, &def.Attribute, &def.FieldType); err != nil {
			return nil, storeError(err, "scan index")
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ApplyEntityOperations applies ops in order inside one transaction. Set
// merges into the stored entity; a null attribute unsets it.
func (s *SQLiteStore) ApplyEntityOperations(ctx context.Context, ops []entity.Operation, source entity.EventSource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err, "begin transaction")
	}
	defer tx.Rollback()

	var blockNumber any
	if source.Block != nil {
		blockNumber = int64(source.Block.Number)
	}

	touched := make(map[subgraphruntime.DeploymentID]bool)
	for _, op := range ops {
		switch op.Kind {
		case entity.OpSet:
			if err := setEntity(ctx, tx, op, blockNumber); err != nil {
				return err
			}
		case entity.OpRemove:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entities WHERE deployment = ? AND entity_type = ? AND entity_id = ?`,
				string(op.Key.Deployment), op.Key.EntityType, op.Key.EntityID); err != nil {
				return storeError(err, "remove "+op.Key.String())
			}
		default:
			return errors.InvalidInput(errors.PhaseStore, "unknown operation "+op.Kind.String())
		}
		touched[op.Key.Deployment] = true
	}

	if source.Block != nil {
		for id := range touched {
			if id == entity.MetaDeployment {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO deployment_heads (deployment, block_number, block_hash) VALUES (?, ?, ?)
				 ON CONFLICT(deployment) DO UPDATE SET block_number = excluded.block_number, block_hash = excluded.block_hash`,
				string(id), int64(source.Block.Number), source.Block.Hash); err != nil {
				return storeError(err, "advance head of "+string(id))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError(err, "commit")
	}
	s.logger.Debug("applied entity operations",
		zap.Int("ops", len(ops)),
		zap.Stringer("source", source))
	return nil
}

func setEntity(ctx context.Context, tx *sql.Tx, op entity.Operation, blockNumber any) error {
	current, found, err := getEntity(ctx, tx, op.Key)
	if err != nil {
		return err
	}
	data := entity.Data{}.Merge(op.Data)
	if found {
		data = current.Merge(op.Data)
	}

	value := data.ToValue()
	tagged, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errors.PhaseStore, errors.KindInvalidData, err, "encode "+op.Key.String())
	}
	plain, err := json.Marshal(value.Plain())
	if err != nil {
		return errors.Wrap(errors.PhaseStore, errors.KindInvalidData, err, "encode "+op.Key.String())
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (deployment, entity_type, entity_id, data, attrs, block_number) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(deployment, entity_type, entity_id) DO UPDATE SET data = excluded.data, attrs = excluded.attrs, block_number = excluded.block_number`,
		string(op.Key.Deployment), op.Key.EntityType, op.Key.EntityID, string(tagged), string(plain), blockNumber); err != nil {
		return storeError(err, "set "+op.Key.String())
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntity(ctx context.Context, q queryer, key entity.Key) (entity.Data, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE deployment = ? AND entity_type = ? AND entity_id = ?`,
		string(key.Deployment), key.EntityType, key.EntityID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError(err, "get "+key.String())
	}
	d, err := decodeData(raw)
	if err != nil {
		return nil, false, errors.Wrap(errors.PhaseStore, errors.KindInvalidData, err, "decode "+key.String())
	}
	return d, true, nil
}

func decodeData(raw string) (entity.Data, error) {
	var v abi.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return entity.DataFromValue(v)
}

// Get reads one entity.
func (s *SQLiteStore) Get(ctx context.Context, key entity.Key) (entity.Data, bool, error) {
	return getEntity(ctx, s.db, key)
}

// SetFailed persists the failed flag of a deployment.
func (s *SQLiteStore) SetFailed(ctx context.Context, id subgraphruntime.DeploymentID, failed bool) error {
	return s.ApplyEntityOperations(ctx, entity.FailedOperations(id, failed), entity.NoEventSource())
}

// Failed reads the failed flag of a deployment. Unknown deployments are not
// failed.
func (s *SQLiteStore) Failed(ctx context.Context, id subgraphruntime.DeploymentID) (bool, error) {
	d, found, err := s.Get(ctx, entity.DeploymentKey(id))
	if err != nil || !found {
		return false, err
	}
	failed, _ := d[entity.FailedAttribute].AsBool()
	return failed, nil
}

// Head returns the latest block that changed entities of a deployment.
func (s *SQLiteStore) Head(ctx context.Context, id subgraphruntime.DeploymentID) (chain.BlockPtr, bool, error) {
	var ptr chain.BlockPtr
	var number int64
	err := s.db.QueryRowContext(ctx,
		`SELECT block_number, block_hash FROM deployment_heads WHERE deployment = ?`, string(id)).
		Scan(&number, &ptr.Hash)
	if err == sql.ErrNoRows {
		return chain.BlockPtr{}, false, nil
	}
	if err != nil {
		return chain.BlockPtr{}, false, storeError(err, "head of "+string(id))
	}
	ptr.Number = uint64(number)
	return ptr, true, nil
}

// FindQuery selects entities of one type by attribute equality.
type FindQuery struct {
	Deployment subgraphruntime.DeploymentID
	EntityType string
	Where      map[string]any
	OrderBy    string
	First      int
	Skip       int
}

// Find returns matching entities ordered by OrderBy (default id).
func (s *SQLiteStore) Find(ctx context.Context, q FindQuery) ([]entity.Data, error) {
	var b strings.Builder
	args := []any{string(q.Deployment), q.EntityType}
	b.WriteString(`SELECT data FROM entities WHERE deployment = ? AND entity_type = ?`)

	attrs := make([]string, 0, len(q.Where))
	for attr := range q.Where {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)
	for _, attr := range attrs {
		if !isIdentifier(attr) {
			return nil, errors.InvalidInput(errors.PhaseStore, "invalid attribute "+attr)
		}
		fmt.Fprintf(&b, ` AND json_extract(attrs, '$.%s') = ?`, attr)
		args = append(args, q.Where[attr])
	}

	switch {
	case q.OrderBy == "" || q.OrderBy == entity.IDAttribute:
		b.WriteString(` ORDER BY entity_id`)
	case isIdentifier(q.OrderBy):
		fmt.Fprintf(&b, ` ORDER BY json_extract(attrs, '$.%s'), entity_id`, q.OrderBy)
	default:
		return nil, errors.InvalidInput(errors.PhaseStore, "invalid order attribute "+q.OrderBy)
	}

	first := q.First
	if first <= 0 || first > 1000 {
		first = 100
	}
	b.WriteString(` LIMIT ? OFFSET ?`)
	args = append(args, first, q.Skip)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, storeError(err, "find "+q.EntityType)
	}
	defer rows.Close()

	var out []entity.Data
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeError(err, "scan "+q.EntityType)
		}
		d, err := decodeData(raw)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidData, err, "decode "+q.EntityType)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func indexName(def entity.AttributeIndex) string {
	id := uuid.NewSHA1(indexNamespace, []byte(string(def.Deployment)+"/"+def.EntityType+"/"+def.Attribute))
	return "attr_" + strings.ReplaceAll(id.String(), "-", "")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func storeError(err error, detail string) error {
	return errors.Wrap(errors.PhaseStore, errors.KindInvalidData, err, detail)
}
