// Package sqlite implements concord.NodeStore over pure-Go SQLite.
// One row per memory node; payloads are stored as tagged JSON. Zero CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quorumlabs/concord"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements concord.NodeStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ concord.NodeStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. A single shared
// connection serializes all writers, eliminating SQLITE_BUSY errors from
// concurrent goroutines.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: dbPath, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the memory_nodes table and its indices.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS memory_nodes (
			node_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_context TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts_nanos INTEGER NOT NULL,
			day TEXT NOT NULL,
			metadata TEXT,
			links TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_agent ON memory_nodes(agent_id, ts_nanos)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_context ON memory_nodes(task_context, ts_nanos)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_day ON memory_nodes(day)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_nodes
		 (node_id, agent_id, task_context, payload, ts_nanos, day, metadata, links)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.NodeID, n.AgentID, n.TaskContext, string(payload),
		n.Timestamp.UnixNano(), n.Timestamp.UTC().Format("2006-01-02"),
		string(meta), string(links))
	if err != nil {
		s.logger.Error("sqlite: put node failed", "node_id", n.NodeID, "error", err)
		return err
	}
	return nil
}

// UpdateLinks rewrites the links column of one node.
func (s *Store) UpdateLinks(ctx context.Context, nodeID string, links []string) error {
	data, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_nodes SET links = ? WHERE node_id = ?`, string(data), nodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update links %q: %w", nodeID, concord.ErrUnknownNode)
	}
	return nil
}

// GetNode fetches one node by id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (concord.MemoryNode, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, agent_id, task_context, payload, ts_nanos, metadata, links
		 FROM memory_nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return concord.MemoryNode{}, false, nil
	}
	if err != nil {
		return concord.MemoryNode{}, false, err
	}
	return n, true, nil
}

// ListNodes returns all nodes ordered by timestamp ascending, then id.
func (s *Store) ListNodes(ctx context.Context) ([]concord.MemoryNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, agent_id, task_context, payload, ts_nanos, metadata, links
		 FROM memory_nodes ORDER BY ts_nanos ASC, node_id ASC`)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nodeIDs)), ",")
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_nodes WHERE node_id IN (`+placeholders+`)`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// StorageSize returns the database size reported by SQLite.
func (s *Store) StorageSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle so callers can share the serialized
// connection with other components.
func (s *Store) DB() *sql.DB { return s.db }

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (concord.MemoryNode, error) {
	var (
		n        concord.MemoryNode
		payload  string
		tsNanos  int64
		metaText sql.NullString
		linkText sql.NullString
	)
	if err := sc.Scan(&n.NodeID, &n.AgentID, &n.TaskContext, &payload, &tsNanos, &metaText, &linkText); err != nil {
		return concord.MemoryNode{}, err
	}
	p, err := concord.UnmarshalPayload([]byte(payload))
	if err != nil {
		return concord.MemoryNode{}, err
	}
	n.Payload = p
	n.Timestamp = time.Unix(0, tsNanos).UTC()
	if metaText.Valid && metaText.String != "" && metaText.String != "null" {
		if err := json.Unmarshal([]byte(metaText.String), &n.Metadata); err != nil {
			return concord.MemoryNode{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if linkText.Valid && linkText.String != "" && linkText.String != "null" {
		if err := json.Unmarshal([]byte(linkText.String), &n.Links); err != nil {
			return concord.MemoryNode{}, fmt.Errorf("unmarshal links: %w", err)
		}
	}
	return n, nil
}
