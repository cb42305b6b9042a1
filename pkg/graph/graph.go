package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/cascata/cascata/pkg/domain"
)

// Default traversal limits. The threshold gates edge strength, fanout bounds
// how many neighbors one execution may cascade to, and depth bounds the trace
// as a whole.
const (
	DefaultThreshold = 0.8
	DefaultFanout    = 5
	DefaultMaxDepth  = 4
)

// Edge is one outgoing cascade link.
type Edge struct {
	Target   string
	Strength float64
}

// Candidate is a neighbor selected for cascading, resolved to the fingerprint
// the orchestration loop resubmits.
type Candidate struct {
	NodeID      string
	Fingerprint domain.Fingerprint
	Strength    float64
}

type node struct {
	fingerprint domain.Fingerprint
	edges       []Edge // sorted by descending strength, ties by target ID
}

// Graph is the in-memory cascade adjacency. Reads from concurrent executions
// vastly outnumber administrative updates, hence the RWMutex.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[string]*node
	logger *slog.Logger
}

// New returns an empty graph.
func New(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		nodes:  make(map[string]*node),
		logger: logger,
	}
}

// Rebuild replaces the whole graph from the persistent store. Called once at
// startup and after bulk ingestion.
func (g *Graph) Rebuild(ctx context.Context, store interface {
	ForEach(context.Context, func(domain.Fingerprint, *domain.PlaybookDescriptor) error) error
}) error {
	fresh := make(map[string]*node)
	err := store.ForEach(ctx, func(fp domain.Fingerprint, desc *domain.PlaybookDescriptor) error {
		fresh[desc.ID] = buildNode(fp, desc)
		return nil
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.nodes = fresh
	g.mu.Unlock()

	g.logger.Info("cascade graph rebuilt", "nodes", len(fresh))
	return nil
}

// Upsert registers or replaces the node for a descriptor. When several
// fingerprints resolve to one descriptor the last registered fingerprint wins
// as the cascade entry point; cascades care about the node, not which alias
// reached it.
func (g *Graph) Upsert(fp domain.Fingerprint, desc *domain.PlaybookDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[desc.ID] = buildNode(fp, desc)
}

// Remove deletes a node. Dangling edges pointing at it are tolerated and
// simply fail to resolve at traversal time.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Resolve returns the fingerprint registered for a node ID.
func (g *Graph) Resolve(id string) (domain.Fingerprint, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return domain.Fingerprint{}, false
	}
	return n.fingerprint, true
}

// Neighbors returns a copy of the node's outgoing edges in descending strength
// order.
func (g *Graph) Neighbors(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Edge, len(n.edges))
	copy(out, n.edges)
	return out
}

// CascadeCandidates selects up to maxFanout neighbors of the executed node
// whose edge strength meets the threshold, skipping nodes the trace already
// visited and targets that no longer resolve. Every edge evaluation is
// recorded as a decision so the caller can report why a neighbor was skipped.
func (g *Graph) CascadeCandidates(id string, threshold float64, maxFanout int, visited *domain.VisitedSet) ([]Candidate, []domain.CascadeDecision) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxFanout <= 0 {
		maxFanout = DefaultFanout
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, nil
	}

	candidates := make([]Candidate, 0, maxFanout)
	decisions := make([]domain.CascadeDecision, 0, len(n.edges))

	for _, edge := range n.edges {
		decision := domain.CascadeDecision{Target: edge.Target, Strength: edge.Strength}

		switch {
		case edge.Strength < threshold:
			decision.Reason = "below_threshold"
		case len(candidates) >= maxFanout:
			decision.Reason = "fanout_exhausted"
		case visited != nil && visited.Contains(edge.Target):
			decision.Reason = "already_visited"
		default:
			target, ok := g.nodes[edge.Target]
			if !ok {
				decision.Reason = "unresolved_target"
				break
			}
			decision.Triggered = true
			candidates = append(candidates, Candidate{
				NodeID:      edge.Target,
				Fingerprint: target.fingerprint,
				Strength:    edge.Strength,
			})
		}

		decisions = append(decisions, decision)
	}

	return candidates, decisions
}

func buildNode(fp domain.Fingerprint, desc *domain.PlaybookDescriptor) *node {
	edges := make([]Edge, 0, len(desc.CascadeEdges))
	for _, e := range desc.CascadeEdges {
		edges = append(edges, Edge{Target: e.Target, Strength: e.Strength})
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Strength != edges[j].Strength {
			return edges[i].Strength > edges[j].Strength
		}
		return edges[i].Target < edges[j].Target
	})
	return &node{fingerprint: fp, edges: edges}
}
