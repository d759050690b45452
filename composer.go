package concord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Resolution strategy names recorded on content conflicts.
const (
	ResolveMetaEvaluator = "meta_evaluator"
	ResolveSynthesis     = "synthesis"
	ResolveArbitration   = "arbitration"
	ResolveSelection     = "selection"
)

const (
	factualSimThreshold = 0.3
	logicalSimThreshold = 0.4
	confGapThreshold    = 0.3
)

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithComposerArbiter routes detected content conflicts into the arbiter's
// audit log.
func WithComposerArbiter(a *Arbiter) ComposerOption {
	return func(c *Composer) { c.arbiter = a }
}

// WithComposerLogger sets a structured logger.
func WithComposerLogger(l *slog.Logger) ComposerOption {
	return func(c *Composer) { c.logger = l }
}

// WithComposerTracer sets a tracer for composition spans.
func WithComposerTracer(t Tracer) ComposerOption {
	return func(c *Composer) { c.tracer = t }
}

// Composer merges surviving subtask results into one attributed output.
// It detects content-level conflicts between result pairs, resolves them
// (marking losers so they drop out of assembly), then assembles the
// survivors under a composition strategy with a sha256 attribution map.
type Composer struct {
	registry *Registry
	arbiter  *Arbiter
	logger   *slog.Logger
	tracer   Tracer
}

// NewComposer creates a Composer. The registry supplies priority weights
// for arbitration- and selection-style resolutions.
func NewComposer(registry *Registry, opts ...ComposerOption) *Composer {
	c := &Composer{registry: registry, logger: nopLogger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// --- Conflict detection ---

var (
	isoDateRE   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	slashDateRE = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	assertionRE = regexp.MustCompile(`(?i)\b([a-z0-9_-]+) is (not )?([a-z0-9_-]+)`)
)

var negationWords = map[string]struct{}{
	"not": {}, "never": {}, "no": {}, "cannot": {}, "without": {},
	"isn't": {}, "aren't": {}, "don't": {}, "doesn't": {}, "won't": {},
}

// DetectConflicts compares every result pair and reports at most one
// conflict per pair, keeping the highest-severity finding:
//
//   - low similarity with diverging numeric/date facts → factual (0.8)
//   - low similarity with a one-sided negation pattern → logical (0.7)
//   - "X is Y" against "X is not Y"                    → contradictory (0.9)
//   - confidence gap above 0.3                         → quality (gap)
func (c *Composer) DetectConflicts(results []*SubtaskResult) []Conflict {
	var conflicts []Conflict
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if conf, ok := c.detectPair(results[i], results[j]); ok {
				conflicts = append(conflicts, conf)
			}
		}
	}
	return conflicts
}

func (c *Composer) detectPair(a, b *SubtaskResult) (Conflict, bool) {
	sim := lcsSimilarity(a.Content, b.Content)
	confGap := a.Confidence - b.Confidence
	if confGap < 0 {
		confGap = -confGap
	}

	type finding struct {
		typ      ConflictType
		severity float64
		detail   string
	}
	var best *finding
	consider := func(f finding) {
		if best == nil || f.severity > best.severity {
			best = &f
		}
	}

	if sim < factualSimThreshold && factsDiverge(a.Content, b.Content) {
		consider(finding{ConflictFactual, 0.8,
			fmt.Sprintf("numeric/date facts diverge (similarity %.2f)", sim)})
	}
	if sim < logicalSimThreshold && negationMismatch(a.Content, b.Content) {
		consider(finding{ConflictLogical, 0.7,
			fmt.Sprintf("one-sided negation (similarity %.2f)", sim)})
	}
	if assertionsContradict(a.Content, b.Content) {
		consider(finding{ConflictContradictory, 0.9, "direct assertion contradiction"})
	}
	if confGap > confGapThreshold {
		consider(finding{ConflictQuality, confGap,
			fmt.Sprintf("confidence gap %.2f", confGap)})
	}
	if best == nil {
		return Conflict{}, false
	}

	return Conflict{
		ID:                 NewID(),
		SubtaskIDs:         []string{a.SubtaskID, b.SubtaskID},
		AgentIDs:           []string{a.AgentID, b.AgentID},
		Type:               best.typ,
		Severity:           best.severity,
		Description:        best.detail,
		ResolutionStrategy: resolutionFor(best.typ),
		CreatedAt:          NowUTC(),
	}, true
}

// resolutionFor maps a content-conflict type to its resolution strategy.
func resolutionFor(t ConflictType) string {
	switch t {
	case ConflictFactual:
		return ResolveMetaEvaluator
	case ConflictLogical:
		return ResolveSynthesis
	case ConflictContradictory:
		return ResolveArbitration
	default:
		return ResolveSelection
	}
}

// lcsSimilarity is the normalized longest-common-subsequence similarity of
// two texts over lowercase word tokens: 2·LCS / (lenA + lenB).
func lcsSimilarity(a, b string) float64 {
	ta := strings.Fields(strings.ToLower(a))
	tb := strings.Fields(strings.ToLower(b))
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	prev := make([]int, len(tb)+1)
	cur := make([]int, len(tb)+1)
	for i := 1; i <= len(ta); i++ {
		for j := 1; j <= len(tb); j++ {
			if ta[i-1] == tb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return 2 * float64(prev[len(tb)]) / float64(len(ta)+len(tb))
}

// extractFacts pulls checkable tokens from a text: numbers, ISO and slash
// dates, and capitalized bigrams (named entities, roughly).
func extractFacts(s string) map[string]struct{} {
	facts := make(map[string]struct{})
	for _, d := range isoDateRE.FindAllString(s, -1) {
		facts[d] = struct{}{}
	}
	for _, d := range slashDateRE.FindAllString(s, -1) {
		facts[d] = struct{}{}
	}
	words := strings.Fields(s)
	for i, w := range words {
		t := strings.Trim(w, ".,;:!?()\"'")
		if t == "" {
			continue
		}
		if strings.ContainsAny(t, "0123456789") {
			facts[t] = struct{}{}
		}
		if i+1 < len(words) && isCapitalized(t) {
			next := strings.Trim(words[i+1], ".,;:!?()\"'")
			if isCapitalized(next) {
				facts[t+" "+next] = struct{}{}
			}
		}
	}
	return facts
}

func isCapitalized(w string) bool {
	return len(w) > 0 && w[0] >= 'A' && w[0] <= 'Z'
}

// factsDiverge reports whether both texts carry facts and neither set
// contains the other.
func factsDiverge(a, b string) bool {
	fa, fb := extractFacts(a), extractFacts(b)
	if len(fa) == 0 || len(fb) == 0 {
		return false
	}
	onlyA, onlyB := false, false
	for f := range fa {
		if _, ok := fb[f]; !ok {
			onlyA = true
			break
		}
	}
	for f := range fb {
		if _, ok := fa[f]; !ok {
			onlyB = true
			break
		}
	}
	return onlyA && onlyB
}

// negationMismatch reports whether exactly one of the texts uses negation.
func negationMismatch(a, b string) bool {
	return hasNegation(a) != hasNegation(b)
}

func hasNegation(s string) bool {
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if _, ok := negationWords[strings.Trim(w, ".,;:!?")]; ok {
			return true
		}
	}
	return false
}

// assertionsContradict reports whether one text asserts "X is Y" while the
// other asserts "X is not Y".
func assertionsContradict(a, b string) bool {
	pa, na := assertions(a)
	pb, nb := assertions(b)
	for k := range pa {
		if _, ok := nb[k]; ok {
			return true
		}
	}
	for k := range pb {
		if _, ok := na[k]; ok {
			return true
		}
	}
	return false
}

// assertions extracts positive and negative "X is [not] Y" claims, keyed
// subject|object in lowercase.
func assertions(s string) (pos, neg map[string]struct{}) {
	pos = make(map[string]struct{})
	neg = make(map[string]struct{})
	for _, m := range assertionRE.FindAllStringSubmatch(s, -1) {
		subj, object := strings.ToLower(m[1]), strings.ToLower(m[3])
		key := subj + "|" + object
		if m[2] != "" {
			neg[key] = struct{}{}
		} else if object != "not" {
			pos[key] = struct{}{}
		}
	}
	return pos, neg
}

// --- Conflict resolution ---

// ResolveConflicts applies each conflict's resolution strategy, marking
// losing (or merged) results so assembly skips them. Returns the conflicts
// actually applied; pairs where a side was already resolved are skipped.
func (c *Composer) ResolveConflicts(results []*SubtaskResult, conflicts []Conflict) []Conflict {
	// Key by subtask id: one agent can hold several subtasks, so agent ids
	// do not identify the conflicting pair.
	bySubtask := make(map[string]*SubtaskResult, len(results))
	for _, r := range results {
		bySubtask[r.SubtaskID] = r
	}

	var applied []Conflict
	for _, conf := range conflicts {
		if len(conf.SubtaskIDs) != 2 {
			continue
		}
		a, b := bySubtask[conf.SubtaskIDs[0]], bySubtask[conf.SubtaskIDs[1]]
		if a == nil || b == nil || a.ConflictResolved() || b.ConflictResolved() {
			continue
		}

		switch conf.ResolutionStrategy {
		case ResolveMetaEvaluator:
			c.resolveByConfidence(a, b)
		case ResolveSynthesis:
			c.resolveBySynthesis(a, b)
		case ResolveArbitration:
			c.resolveByArbitration(a, b)
		default:
			c.resolveBySelection(a, b)
		}

		applied = append(applied, conf)
		if c.arbiter != nil {
			c.arbiter.RecordConflict(conf)
		}
		c.logger.Info("composer: conflict resolved",
			"conflict_id", conf.ID, "type", conf.Type,
			"resolution", conf.ResolutionStrategy,
			"agents", conf.AgentIDs)
	}
	return applied
}

// resolveByConfidence keeps the higher-confidence result. An exact tie
// breaks on agent id and is tagged as such, not as a confidence loss.
func (c *Composer) resolveByConfidence(a, b *SubtaskResult) {
	loser := a
	if a.Confidence > b.Confidence || (a.Confidence == b.Confidence && a.AgentID < b.AgentID) {
		loser = b
	}
	reason := ReasonLowerConfidence
	if a.Confidence == b.Confidence {
		reason = ReasonTieBreak
	}
	loser.MarkResolved(reason)
}

// resolveBySynthesis merges both perspectives into the higher-confidence
// carrier: labeled sections plus a closing synthesis line, confidence set
// to the pair mean. Both originals are tagged synthesized; the carrier
// stays in play with the merged content and joint attribution.
func (c *Composer) resolveBySynthesis(a, b *SubtaskResult) {
	carrier, other := a, b
	if b.Confidence > a.Confidence || (b.Confidence == a.Confidence && b.AgentID < a.AgentID) {
		carrier, other = b, a
	}
	merged := fmt.Sprintf("[Perspective: %s]\n%s\n\n[Perspective: %s]\n%s\n\nSynthesis: the perspectives above diverge in reasoning; both are preserved pending review.",
		carrier.AgentName, carrier.Content, other.AgentName, other.Content)

	carrier.Content = merged
	carrier.Confidence = (a.Confidence + b.Confidence) / 2
	if carrier.Metadata == nil {
		carrier.Metadata = make(map[string]any)
	}
	carrier.Metadata[MetaResolutionReason] = ReasonSynthesized
	carrier.Metadata["synthesized_with"] = other.AgentID
	other.MarkResolved(ReasonSynthesized)
}

// resolveByArbitration keeps the result maximizing priority_weight·confidence.
func (c *Composer) resolveByArbitration(a, b *SubtaskResult) {
	sa := c.priorityWeight(a.AgentID) * a.Confidence
	sb := c.priorityWeight(b.AgentID) * b.Confidence
	loser := a
	if sa > sb || (sa == sb && a.AgentID < b.AgentID) {
		loser = b
	}
	loser.MarkResolved(ReasonArbitration)
}

// resolveBySelection keeps the result maximizing 0.7·confidence + 0.3·weight.
// The loser's reason names what decided it: lower_quality only when its
// confidence was strictly lower, lower_weight when priority weight tipped
// the score despite equal-or-higher confidence, tie_break on a score tie.
func (c *Composer) resolveBySelection(a, b *SubtaskResult) {
	sa := 0.7*a.Confidence + 0.3*c.priorityWeight(a.AgentID)
	sb := 0.7*b.Confidence + 0.3*c.priorityWeight(b.AgentID)
	winner, loser := a, b
	if sb > sa || (sb == sa && b.AgentID < a.AgentID) {
		winner, loser = b, a
	}
	var reason string
	switch {
	case sa == sb:
		reason = ReasonTieBreak
	case loser.Confidence < winner.Confidence:
		reason = ReasonLowerQuality
	default:
		reason = ReasonLowerWeight
	}
	loser.MarkResolved(reason)
}

func (c *Composer) priorityWeight(agentID string) float64 {
	if c.registry == nil {
		return 0.5
	}
	return c.registry.PriorityWeight(agentID, 0.5)
}

// --- Composition ---

// contribution is one verbatim chunk of the composed output and the agents
// that produced it.
type contribution struct {
	chunk  string
	agents []string
}

// Compose runs the full merge: detect conflicts, resolve them, assemble
// the survivors under the given strategy, and fingerprint every
// contributed chunk into the attribution map.
//
// completionOrder lists subtask IDs in dispatch completion order; the
// sequential strategy follows it, others ignore it.
func (c *Composer) Compose(ctx context.Context, masterTaskID string, results []*SubtaskResult, strategy CompositionStrategy, completionOrder []string) (*CompositionResult, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("compose %s: no results to compose", masterTaskID)
	}

	_, span := startSpan(c.tracer, ctx, "concord.compose",
		StringAttr("master_task_id", masterTaskID),
		StringAttr("strategy", string(strategy)),
		IntAttr("results", len(results)))
	defer span.End()

	conflicts := c.DetectConflicts(results)
	resolved := c.ResolveConflicts(results, conflicts)

	survivors := make([]*SubtaskResult, 0, len(results))
	for _, r := range results {
		if !r.ConflictResolved() {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		// Resolution never eliminates both sides, but guard anyway.
		survivors = results
	}

	var composed string
	var contribs []contribution
	switch strategy {
	case CompositionSequential:
		composed, contribs = c.composeSequential(survivors, completionOrder)
	case CompositionSynthetic:
		composed, contribs = c.composeSynthetic(survivors)
	default:
		composed, contribs = c.composeHierarchical(survivors)
	}

	attribution := make(map[string][]string, len(contribs))
	for _, ct := range contribs {
		sum := sha256.Sum256([]byte(ct.chunk))
		key := hex.EncodeToString(sum[:])
		attribution[key] = append(attribution[key], ct.agents...)
	}

	result := &CompositionResult{
		MasterTaskID:      masterTaskID,
		ComposedContent:   composed,
		Confidence:        tokenWeightedConfidence(survivors),
		AttributionMap:    attribution,
		ResolvedConflicts: resolved,
		Strategy:          strategy,
		CreatedAt:         NowUTC(),
	}
	span.SetAttr(IntAttr("conflicts_resolved", len(resolved)))
	c.logger.Info("composer: composed",
		"master_task_id", masterTaskID, "strategy", strategy,
		"survivors", len(survivors), "conflicts", len(resolved),
		"confidence", result.Confidence)
	return result, nil
}

// compositionScore ranks results for hierarchical and synthetic assembly.
func (c *Composer) compositionScore(r *SubtaskResult) float64 {
	return 0.7*r.Confidence + 0.3*c.priorityWeight(r.AgentID)
}

// contributors returns the agents behind one result: the producing agent,
// plus the synthesis partner when the result carries a merge.
func contributors(r *SubtaskResult) []string {
	agents := []string{r.AgentID}
	if partner, ok := r.Metadata["synthesized_with"].(string); ok {
		agents = append(agents, partner)
	}
	return agents
}

// composeHierarchical leads with the strongest result and files the rest
// under per-agent supplementary sections.
func (c *Composer) composeHierarchical(results []*SubtaskResult) (string, []contribution) {
	ranked := make([]*SubtaskResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := c.compositionScore(ranked[i]), c.compositionScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})

	var sb strings.Builder
	var contribs []contribution

	sb.WriteString("## Main Analysis\n\n")
	sb.WriteString(ranked[0].Content)
	contribs = append(contribs, contribution{ranked[0].Content, contributors(ranked[0])})

	if len(ranked) > 1 {
		sb.WriteString("\n\n## Supplementary Insights\n")
		for _, r := range ranked[1:] {
			sb.WriteString(fmt.Sprintf("\n### %s\n\n", r.AgentName))
			sb.WriteString(r.Content)
			sb.WriteString("\n")
			contribs = append(contribs, contribution{r.Content, contributors(r)})
		}
	}
	return sb.String(), contribs
}

// composeSequential lays results out as numbered steps in completion order.
func (c *Composer) composeSequential(results []*SubtaskResult, completionOrder []string) (string, []contribution) {
	rank := make(map[string]int, len(completionOrder))
	for i, id := range completionOrder {
		rank[id] = i
	}
	ordered := make([]*SubtaskResult, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iOK := rank[ordered[i].SubtaskID]
		rj, jOK := rank[ordered[j].SubtaskID]
		switch {
		case iOK && jOK:
			return ri < rj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return ordered[i].SubtaskID < ordered[j].SubtaskID
		}
	})

	var sb strings.Builder
	var contribs []contribution
	for i, r := range ordered {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("## Step %d: %s\n\n", i+1, r.AgentName))
		sb.WriteString(r.Content)
		contribs = append(contribs, contribution{r.Content, contributors(r)})
	}
	return sb.String(), contribs
}

// composeSynthetic opens with up to three leading sentences per result as
// key insights, then carries the strongest result in full.
func (c *Composer) composeSynthetic(results []*SubtaskResult) (string, []contribution) {
	ranked := make([]*SubtaskResult, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := c.compositionScore(ranked[i]), c.compositionScore(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})

	var sb strings.Builder
	var contribs []contribution

	sb.WriteString("## Key Insights\n\n")
	for _, r := range ranked {
		insight := firstSentences(r.Content, 3)
		sb.WriteString("- ")
		sb.WriteString(insight)
		sb.WriteString("\n")
		contribs = append(contribs, contribution{insight, contributors(r)})
	}

	sb.WriteString("\n## Comprehensive Analysis\n\n")
	sb.WriteString(ranked[0].Content)
	contribs = append(contribs, contribution{ranked[0].Content, contributors(ranked[0])})

	return sb.String(), contribs
}

// firstSentences returns the text up to and including the nth terminal
// punctuation mark, or the whole (trimmed) text when fewer are present.
func firstSentences(s string, n int) string {
	s = strings.TrimSpace(s)
	count := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				return s[:i+1]
			}
		}
	}
	return s
}

// tokenWeightedConfidence averages survivor confidences weighted by their
// content token counts, so longer contributions dominate the aggregate.
func tokenWeightedConfidence(results []*SubtaskResult) float64 {
	var weighted, total float64
	for _, r := range results {
		w := float64(len(strings.Fields(r.Content)))
		if w == 0 {
			w = 1
		}
		weighted += r.Confidence * w
		total += w
	}
	if total == 0 {
		return 0
	}
	conf := weighted / total
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}
