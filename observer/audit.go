package observer

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	concord "github.com/quorumlabs/concord"
)

// Audit record kinds, one per pipeline decision point.
const (
	KindRouting     = "routing"
	KindArbitration = "arbitration"
	KindAttribution = "attribution"
)

// AuditRecord is one line of the audit trail.
type AuditRecord struct {
	Kind         string    `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	MasterTaskID string    `json:"master_task_id,omitempty"`

	// routing
	SubtaskID string  `json:"subtask_id,omitempty"`
	AgentID   string  `json:"agent_id,omitempty"`
	Score     float64 `json:"score,omitempty"`

	// arbitration
	ConflictID string `json:"conflict_id,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Winner     string `json:"winner,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`

	// attribution
	Digest string   `json:"digest,omitempty"`
	Agents []string `json:"agents,omitempty"`
}

// AuditLog appends structured pipeline records as JSON lines to a writer.
// Safe for concurrent use. Write errors are sticky: the first one is kept
// and returned by Err; later appends become no-ops.
type AuditLog struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

var _ concord.AuditSink = (*AuditLog)(nil)

// NewAuditLog creates an AuditLog over w. The caller owns w's lifecycle.
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{w: w}
}

// Routing records one subtask-to-agent binding.
func (l *AuditLog) Routing(masterTaskID, subtaskID, agentID string, score float64) {
	l.append(AuditRecord{
		Kind: KindRouting, MasterTaskID: masterTaskID,
		SubtaskID: subtaskID, AgentID: agentID, Score: score,
	})
}

// Arbitration records one conflict resolution.
func (l *AuditLog) Arbitration(masterTaskID string, c concord.Conflict, r concord.ArbitrationResult) {
	l.append(AuditRecord{
		Kind: KindArbitration, MasterTaskID: masterTaskID,
		ConflictID: c.ID, Strategy: r.StrategyUsed,
		Winner: r.WinnerAgentID, Fallback: r.FallbackTriggered,
	})
}

// Attribution records the provenance of one composed chunk.
func (l *AuditLog) Attribution(masterTaskID, digest string, agents []string) {
	l.append(AuditRecord{
		Kind: KindAttribution, MasterTaskID: masterTaskID,
		Digest: digest, Agents: agents,
	})
}

// Composition records the whole attribution map of a composition result.
func (l *AuditLog) Composition(r *concord.CompositionResult) {
	for digest, agents := range r.AttributionMap {
		l.Attribution(r.MasterTaskID, digest, agents)
	}
}

func (l *AuditLog) append(rec AuditRecord) {
	rec.Timestamp = time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		l.err = err
		return
	}
	b = append(b, '\n')
	if _, err := l.w.Write(b); err != nil {
		l.err = err
	}
}

// Err returns the first write error, if any.
func (l *AuditLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
