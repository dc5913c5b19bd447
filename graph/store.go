package graph

import (
	"sort"
	"sync"

	goset "github.com/deckarep/golang-set/v2"
)

// Logger records discarded patches. It matches logging.Logger's Printf.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// StoreOption customizes Store construction.
type StoreOption func(*Store)

// WithLogger injects a logger for discarded patches.
func WithLogger(l Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

type scope struct {
	revision Revision
	seeded   bool
	nodes    map[NodeKey]Node
	edges    goset.Set[Edge]
}

func newScope() *scope {
	return &scope{
		nodes: map[NodeKey]Node{},
		edges: goset.NewThreadUnsafeSet[Edge](),
	}
}

// Store holds the nodes and edges attributed to each producer. A snapshot
// from one producer never touches what another producer contributed.
type Store struct {
	mu     sync.RWMutex
	scopes map[string]*scope
	logger Logger
}

// NewStore returns an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		scopes: map[string]*scope{},
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ApplySnapshot replaces everything previously attributed to producer with
// the snapshot contents and adopts its revision.
func (s *Store) ApplySnapshot(producer string, snap Snapshot) {
	sc := newScope()
	sc.revision = snap.Revision
	sc.seeded = true
	for _, n := range snap.Nodes {
		sc.nodes[n.Key()] = n
	}
	for _, e := range snap.Edges {
		sc.edges.Add(e)
	}
	s.mu.Lock()
	s.scopes[producer] = sc
	s.mu.Unlock()
}

// ApplyPatch applies patch to the producer's scope when its revision is
// newer than the current one. It reports whether the patch was applied;
// stale or duplicate patches are logged and dropped.
func (s *Store) ApplyPatch(producer string, patch Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[producer]
	if !ok {
		sc = newScope()
		s.scopes[producer] = sc
	}
	if sc.seeded && patch.Revision <= sc.revision {
		s.logger.Printf("graph: discard patch from %s at revision %d (current %d)", producer, patch.Revision, sc.revision)
		return false
	}
	for _, op := range patch.Ops {
		switch op.Op {
		case OpUpsertNode:
			if op.Node != nil {
				sc.nodes[op.Node.Key()] = *op.Node
			}
		case OpRemoveNode:
			if op.Key != nil {
				delete(sc.nodes, *op.Key)
			}
		case OpUpsertEdge:
			if op.Edge != nil {
				sc.edges.Add(*op.Edge)
			}
		case OpRemoveEdge:
			if op.Edge != nil {
				sc.edges.Remove(*op.Edge)
			}
		default:
			s.logger.Printf("graph: skip unknown op %q from %s", op.Op, producer)
		}
	}
	sc.revision = patch.Revision
	sc.seeded = true
	return true
}

// Revision returns the current revision of producer and whether it is known.
func (s *Store) Revision(producer string) (Revision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[producer]
	if !ok || !sc.seeded {
		return 0, false
	}
	return sc.revision, true
}

// Producers returns the ids of every producer with state, sorted.
func (s *Store) Producers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProducerSnapshot returns the state attributed to a single producer.
func (s *Store) ProducerSnapshot(producer string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[producer]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{Revision: sc.revision, Nodes: make([]Node, 0, len(sc.nodes)), Edges: sc.edges.ToSlice()}
	for _, n := range sc.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	snap.Sort()
	return snap, true
}

// Snapshot merges every producer scope into one view. Producers are visited
// in id order; when two producers upsert the same node key the later id wins.
// The merged revision is the highest producer revision.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.scopes))
	for id := range s.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := map[NodeKey]Node{}
	edges := goset.NewThreadUnsafeSet[Edge]()
	var rev Revision
	for _, id := range ids {
		sc := s.scopes[id]
		if sc.revision > rev {
			rev = sc.revision
		}
		for k, n := range sc.nodes {
			nodes[k] = n
		}
		edges = edges.Union(sc.edges)
	}
	snap := Snapshot{Revision: rev, Nodes: make([]Node, 0, len(nodes)), Edges: edges.ToSlice()}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	snap.Sort()
	return snap
}

// Reset drops every producer scope.
func (s *Store) Reset() {
	s.mu.Lock()
	s.scopes = map[string]*scope{}
	s.mu.Unlock()
}
