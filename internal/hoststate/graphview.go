package hoststate

import (
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/metrics"
)

// GraphView is the host copy of the project graph. It counts applied and
// discarded patches.
type GraphView struct {
	store   *graph.Store
	metrics *metrics.Metrics
}

// NewGraphView wraps a fresh store.
func NewGraphView(logger *logging.Logger, m *metrics.Metrics) *GraphView {
	var opts []graph.StoreOption
	if logger != nil {
		opts = append(opts, graph.WithLogger(logger))
	}
	return &GraphView{store: graph.NewStore(opts...), metrics: m}
}

// ApplySnapshot replaces the producer's slice of the graph.
func (g *GraphView) ApplySnapshot(producerID string, snap graph.Snapshot) {
	g.store.ApplySnapshot(producerID, snap)
}

// ApplyPatch applies patch unless it is stale.
func (g *GraphView) ApplyPatch(producerID string, patch graph.Patch) bool {
	applied := g.store.ApplyPatch(producerID, patch)
	g.metrics.GraphPatch(applied)
	return applied
}

// Snapshot returns the merged graph.
func (g *GraphView) Snapshot() graph.Snapshot {
	return g.store.Snapshot()
}

// ProducerSnapshot returns one producer's slice.
func (g *GraphView) ProducerSnapshot(producerID string) (graph.Snapshot, bool) {
	return g.store.ProducerSnapshot(producerID)
}

// Producers lists the producers that have sent anything.
func (g *GraphView) Producers() []string {
	return g.store.Producers()
}

// Revision returns the producer's current revision.
func (g *GraphView) Revision(producerID string) (graph.Revision, bool) {
	return g.store.Revision(producerID)
}

// Reset drops every producer.
func (g *GraphView) Reset() {
	g.store.Reset()
}
