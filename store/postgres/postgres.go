// Package postgres implements concord.NodeStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quorumlabs/concord"
)

// Store implements concord.NodeStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ concord.NodeStore = (*Store)(nil)

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the memory_nodes table and its indices.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS memory_nodes (
			node_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_context TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			day DATE NOT NULL,
			metadata JSONB,
			links JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_agent ON memory_nodes(agent_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_context ON memory_nodes(task_context, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_day ON memory_nodes(day)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// PutNode appends one node record.
func (s *Store) PutNode(ctx context.Context, n concord.MemoryNode) error {
	payload, err := concord.MarshalPayload(n.Payload)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	links, err := json.Marshal(n.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_nodes (node_id, agent_id, task_context, payload, ts, day, metadata, links)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (node_id) DO UPDATE SET payload = EXCLUDED.payload, links = EXCLUDED.links`,
		n.NodeID, n.AgentID, n.TaskContext, payload,
		n.Timestamp.UTC(), n.Timestamp.UTC().Format("2006-01-02"), meta, links)
	return err
}

// UpdateLinks rewrites the links column of one node.
func (s *Store) UpdateLinks(ctx context.Context, nodeID string, links []string) error {
	data, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_nodes SET links = $1 WHERE node_id = $2`, data, nodeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update links %q: %w", nodeID, concord.ErrUnknownNode)
	}
	return nil
}

// GetNode fetches one node by id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (concord.MemoryNode, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT node_id, agent_id, task_context, payload, ts, metadata, links
		 FROM memory_nodes WHERE node_id = $1`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return concord.MemoryNode{}, false, nil
	}
	if err != nil {
		return concord.MemoryNode{}, false, err
	}
	return n, true, nil
}

// ListNodes returns all nodes ordered by timestamp ascending, then id.
func (s *Store) ListNodes(ctx context.Context) ([]concord.MemoryNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, agent_id, task_context, payload, ts, metadata, links
		 FROM memory_nodes ORDER BY ts ASC, node_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []concord.MemoryNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNodes removes the given nodes in one transaction.
func (s *Store) DeleteNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM memory_nodes WHERE node_id = ANY($1)`, nodeIDs)
	return err
}

// StorageSize returns the total size of the memory_nodes relation.
func (s *Store) StorageSize(ctx context.Context) (int64, error) {
	var size int64
	err := s.pool.QueryRow(ctx,
		`SELECT pg_total_relation_size('memory_nodes')`).Scan(&size)
	return size, err
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

func scanNode(row pgx.Row) (concord.MemoryNode, error) {
	var (
		n       concord.MemoryNode
		payload []byte
		ts      time.Time
		meta    []byte
		links   []byte
	)
	if err := row.Scan(&n.NodeID, &n.AgentID, &n.TaskContext, &payload, &ts, &meta, &links); err != nil {
		return concord.MemoryNode{}, err
	}
	p, err := concord.UnmarshalPayload(payload)
	if err != nil {
		return concord.MemoryNode{}, err
	}
	n.Payload = p
	n.Timestamp = ts.UTC()
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return concord.MemoryNode{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(links) > 0 && string(links) != "null" {
		if err := json.Unmarshal(links, &n.Links); err != nil {
			return concord.MemoryNode{}, fmt.Errorf("unmarshal links: %w", err)
		}
	}
	return n, nil
}
