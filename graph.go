package concord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"time"
)

// NodeStore abstracts durable persistence for the memory graph: one
// serialized record per node. Implementations live under store/ (sqlite,
// postgres). Every write must be durable before returning.
type NodeStore interface {
	// PutNode appends one node record.
	PutNode(ctx context.Context, n MemoryNode) error
	// UpdateLinks rewrites the links column of an existing node.
	UpdateLinks(ctx context.Context, nodeID string, links []string) error
	// GetNode fetches one node. The bool is false when the id is unknown.
	GetNode(ctx context.Context, nodeID string) (MemoryNode, bool, error)
	// ListNodes returns all nodes ordered by timestamp ascending, then id.
	ListNodes(ctx context.Context) ([]MemoryNode, error)
	// DeleteNodes removes the given nodes in one transaction.
	DeleteNodes(ctx context.Context, nodeIDs []string) error
	// StorageSize returns the approximate size of the backing store in bytes.
	StorageSize(ctx context.Context) (int64, error)
	// Close releases the store.
	Close() error
}

// GraphStats is the snapshot returned by Graph.Stats.
type GraphStats struct {
	TotalNodes    int   `json:"total_nodes"`
	TotalAgents   int   `json:"total_agents"`
	TotalContexts int   `json:"total_contexts"`
	CacheSize     int   `json:"cache_size"`
	StorageSize   int64 `json:"storage_size"`
}

// nodeMeta is the index entry kept in memory for every node, cached or not.
type nodeMeta struct {
	ts      time.Time
	agentID string
	context string
}

const defaultCacheCap = 1024

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithGraphLogger sets a structured logger for graph operations.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// WithCacheCapacity bounds the in-memory node cache. Eviction removes the
// node with the oldest timestamp first. Default 1024.
func WithCacheCapacity(n int) GraphOption {
	return func(g *Graph) {
		if n > 0 {
			g.cacheCap = n
		}
	}
}

// Graph is the shared memory graph: a two-tier, append-only store of agent
// results and compositions with by-agent, by-context, and per-day temporal
// indices. All operations are safe for concurrent use; writes are
// serialized, reads proceed in parallel with other reads.
type Graph struct {
	mu       sync.RWMutex
	store    NodeStore
	logger   *slog.Logger
	cacheCap int

	cache     map[string]MemoryNode
	cacheSeq  []string            // cache ids, oldest timestamp first
	meta      map[string]nodeMeta // every known node
	byAgent   map[string][]string // insertion order per agent
	byContext map[string][]string // insertion order per context
	byDay     map[string][]string // "2006-01-02" UTC -> node ids
}

// OpenGraph builds a Graph over the given store, loading all existing nodes
// to rebuild the in-memory indices (cold-start reload).
func OpenGraph(ctx context.Context, store NodeStore, opts ...GraphOption) (*Graph, error) {
	g := &Graph{
		store:    store,
		logger:   nopLogger,
		cacheCap: defaultCacheCap,
	}
	for _, o := range opts {
		o(g)
	}
	g.reset()

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	for _, n := range nodes {
		g.index(n)
		g.cachePut(n)
	}
	g.logger.Debug("graph: opened", "nodes", len(nodes))
	return g, nil
}

// reset clears all in-memory indices and the cache.
func (g *Graph) reset() {
	g.cache = make(map[string]MemoryNode)
	g.cacheSeq = nil
	g.meta = make(map[string]nodeMeta)
	g.byAgent = make(map[string][]string)
	g.byContext = make(map[string][]string)
	g.byDay = make(map[string][]string)
}

// index registers a node in the meta map and all secondary indices.
// Caller holds the write lock (or is inside OpenGraph before publication).
func (g *Graph) index(n MemoryNode) {
	g.meta[n.NodeID] = nodeMeta{ts: n.Timestamp, agentID: n.AgentID, context: n.TaskContext}
	g.byAgent[n.AgentID] = append(g.byAgent[n.AgentID], n.NodeID)
	g.byContext[n.TaskContext] = append(g.byContext[n.TaskContext], n.NodeID)
	day := n.Timestamp.UTC().Format("2006-01-02")
	g.byDay[day] = append(g.byDay[day], n.NodeID)
}

// cachePut inserts a node into the bounded cache, evicting the oldest
// timestamps first when over capacity. Caller holds the write lock.
func (g *Graph) cachePut(n MemoryNode) {
	if _, ok := g.cache[n.NodeID]; !ok {
		// Insert keeping cacheSeq ordered by timestamp ascending. Appends
		// are the common case since writer timestamps are non-decreasing.
		idx := sort.Search(len(g.cacheSeq), func(i int) bool {
			return g.cache[g.cacheSeq[i]].Timestamp.After(n.Timestamp)
		})
		g.cacheSeq = slices.Insert(g.cacheSeq, idx, n.NodeID)
	}
	g.cache[n.NodeID] = n
	for len(g.cacheSeq) > g.cacheCap {
		evict := g.cacheSeq[0]
		g.cacheSeq = g.cacheSeq[1:]
		delete(g.cache, evict)
	}
}

// AddNode appends a new node and returns its id. If links names any unknown
// node the call fails with ErrUnknownNode and nothing is written. The write
// is durable before AddNode returns.
func (g *Graph) AddNode(ctx context.Context, agentID, taskContext string, payload NodePayload, metadata map[string]any, links []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, l := range links {
		if _, ok := g.meta[l]; !ok {
			return "", fmt.Errorf("add_node link %q: %w", l, ErrUnknownNode)
		}
	}

	n := MemoryNode{
		NodeID:      NewID(),
		AgentID:     agentID,
		TaskContext: taskContext,
		Payload:     payload,
		Timestamp:   NowUTC(),
		Metadata:    metadata,
		Links:       slices.Clone(links),
	}
	if err := g.store.PutNode(ctx, n); err != nil {
		return "", &StorageError{Op: "put", Err: err}
	}
	g.index(n)
	g.cachePut(n)
	g.logger.Debug("graph: node added", "node_id", n.NodeID, "agent_id", agentID, "context", taskContext)
	return n.NodeID, nil
}

// LinkNodes appends to_id to from_id's links. Idempotent on repeated
// identical calls; fails with ErrUnknownNode when either endpoint is missing.
func (g *Graph) LinkNodes(ctx context.Context, fromID, toID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.meta[fromID]; !ok {
		return fmt.Errorf("link from %q: %w", fromID, ErrUnknownNode)
	}
	if _, ok := g.meta[toID]; !ok {
		return fmt.Errorf("link to %q: %w", toID, ErrUnknownNode)
	}

	n, err := g.resolveLocked(ctx, fromID)
	if err != nil {
		return err
	}
	if slices.Contains(n.Links, toID) {
		return nil
	}
	n.Links = append(n.Links, toID)
	if err := g.store.UpdateLinks(ctx, fromID, n.Links); err != nil {
		return &StorageError{Op: "update_links", Err: err}
	}
	g.cachePut(n)
	return nil
}

// resolveLocked fetches a full node by id, from cache or store.
// Caller holds at least the read lock.
func (g *Graph) resolveLocked(ctx context.Context, id string) (MemoryNode, error) {
	if n, ok := g.cache[id]; ok {
		return n, nil
	}
	n, ok, err := g.store.GetNode(ctx, id)
	if err != nil {
		return MemoryNode{}, &StorageError{Op: "get", Err: err}
	}
	if !ok {
		return MemoryNode{}, fmt.Errorf("node %q: %w", id, ErrUnknownNode)
	}
	return n, nil
}

// GetNode fetches one node by id.
func (g *Graph) GetNode(ctx context.Context, nodeID string) (MemoryNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.meta[nodeID]; !ok {
		return MemoryNode{}, fmt.Errorf("node %q: %w", nodeID, ErrUnknownNode)
	}
	return g.resolveLocked(ctx, nodeID)
}

// NodesByAgent returns all nodes written by the agent, oldest first.
func (g *Graph) NodesByAgent(ctx context.Context, agentID string) ([]MemoryNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveAllLocked(ctx, g.byAgent[agentID])
}

// NodesByContext returns all nodes for the task context, oldest first.
func (g *Graph) NodesByContext(ctx context.Context, taskContext string) ([]MemoryNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveAllLocked(ctx, g.byContext[taskContext])
}

// RecallContext returns the nodes written by the agent within the task
// context — the intersection of the two indices, oldest first.
func (g *Graph) RecallContext(ctx context.Context, agentID, taskContext string) ([]MemoryNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for _, id := range g.byContext[taskContext] {
		if g.meta[id].agentID == agentID {
			ids = append(ids, id)
		}
	}
	return g.resolveAllLocked(ctx, ids)
}

// QueryTemporal returns the nodes for the task context whose timestamps fall
// inside [start, end] inclusive, oldest first. The scan walks per-day
// buckets, so cost is proportional to the range, not total node count.
// An out-of-range window returns an empty result, not an error.
func (g *Graph) QueryTemporal(ctx context.Context, taskContext string, start, end time.Time) ([]MemoryNode, error) {
	if end.Before(start) {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end.UTC()); day = day.Add(24 * time.Hour) {
		for _, id := range g.byDay[day.Format("2006-01-02")] {
			m := g.meta[id]
			if m.context != taskContext {
				continue
			}
			if m.ts.Before(start) || m.ts.After(end) {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := g.meta[ids[i]].ts, g.meta[ids[j]].ts
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return g.resolveAllLocked(ctx, ids)
}

// resolveAllLocked maps ids to full nodes, preserving order.
func (g *Graph) resolveAllLocked(ctx context.Context, ids []string) ([]MemoryNode, error) {
	out := make([]MemoryNode, 0, len(ids))
	for _, id := range ids {
		n, err := g.resolveLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// exportFile is the on-disk export format: a strict superset of what Import
// restores (Import ignores unknown fields).
type exportFile struct {
	ExportedAt time.Time         `json:"exported_at"`
	NodeCount  int               `json:"node_count"`
	Nodes      []json.RawMessage `json:"nodes"`
}

// Export writes the full graph snapshot to path as JSON for audit and
// cold-start reload.
func (g *Graph) Export(ctx context.Context, path string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes, err := g.store.ListNodes(ctx)
	if err != nil {
		return &StorageError{Op: "list", Err: err}
	}
	out := exportFile{ExportedAt: NowUTC(), NodeCount: len(nodes)}
	for _, n := range nodes {
		rec, err := EncodeNode(n)
		if err != nil {
			return err
		}
		out.Nodes = append(out.Nodes, rec)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &StorageError{Op: "export", Err: err}
	}
	g.logger.Info("graph: exported", "path", path, "nodes", len(nodes))
	return nil
}

// Import loads an export file, appends every node it contains, and rebuilds
// the indices. Returns the number of nodes restored. Nodes already present
// (by id) are skipped.
func (g *Graph) Import(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, &StorageError{Op: "import", Err: err}
	}
	var in exportFile
	if err := json.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, rec := range in.Nodes {
		n, err := DecodeNode(rec)
		if err != nil {
			return count, err
		}
		if _, ok := g.meta[n.NodeID]; ok {
			continue
		}
		if err := g.store.PutNode(ctx, n); err != nil {
			return count, &StorageError{Op: "put", Err: err}
		}
		g.index(n)
		g.cachePut(n)
		count++
	}
	g.logger.Info("graph: imported", "path", path, "nodes", count)
	return count, nil
}

// Stats returns counters describing the graph.
func (g *Graph) Stats(ctx context.Context) (GraphStats, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	size, err := g.store.StorageSize(ctx)
	if err != nil {
		return GraphStats{}, &StorageError{Op: "size", Err: err}
	}
	return GraphStats{
		TotalNodes:    len(g.meta),
		TotalAgents:   len(g.byAgent),
		TotalContexts: len(g.byContext),
		CacheSize:     len(g.cache),
		StorageSize:   size,
	}, nil
}

// Cleanup removes every node older than the cutoff and rebuilds all indices
// atomically: readers see either the old index set or the new one, never a
// partial rebuild. Links pointing at removed nodes are dropped from
// survivors. Returns the number of nodes removed.
func (g *Graph) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var doomed []string
	for id, m := range g.meta {
		if m.ts.Before(olderThan) {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if err := g.store.DeleteNodes(ctx, doomed); err != nil {
		return 0, &StorageError{Op: "delete", Err: err}
	}

	// Rebuild indices from the surviving records.
	survivors, err := g.store.ListNodes(ctx)
	if err != nil {
		return 0, &StorageError{Op: "list", Err: err}
	}
	removed := make(map[string]bool, len(doomed))
	for _, id := range doomed {
		removed[id] = true
	}
	g.reset()
	for _, n := range survivors {
		kept := n.Links[:0:0]
		for _, l := range n.Links {
			if !removed[l] {
				kept = append(kept, l)
			}
		}
		if len(kept) != len(n.Links) {
			n.Links = kept
			if err := g.store.UpdateLinks(ctx, n.NodeID, kept); err != nil {
				return 0, &StorageError{Op: "update_links", Err: err}
			}
		}
		g.index(n)
		g.cachePut(n)
	}
	g.logger.Info("graph: cleanup", "removed", len(doomed), "cutoff", olderThan)
	return len(doomed), nil
}

// Close releases the backing store.
func (g *Graph) Close() error {
	return g.store.Close()
}
