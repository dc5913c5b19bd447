// Package graph models the live project graph produced by extension modules:
// routes, component types and component instances, the edges between them,
// and the snapshot + revision-ordered patch stream producers emit.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Revision orders the snapshots and patches of a single producer.
type Revision int64

// NodeKind names one of the node variants.
type NodeKind string

const (
	NodeRoute         NodeKind = "route"
	NodeComponentType NodeKind = "componentType"
	NodeInstance      NodeKind = "instance"
)

// EdgeKind names one of the edge variants.
type EdgeKind string

const (
	EdgeRouteUsesComponentType         EdgeKind = "routeUsesComponentType"
	EdgeComponentTypeUsesComponentType EdgeKind = "componentTypeUsesComponentType"
	EdgeInstanceChildOfInstance        EdgeKind = "instanceChildOfInstance"
)

// OpKind names one of the patch operations.
type OpKind string

const (
	OpUpsertNode OpKind = "upsertNode"
	OpRemoveNode OpKind = "removeNode"
	OpUpsertEdge OpKind = "upsertEdge"
	OpRemoveEdge OpKind = "removeEdge"
)

// NodeKey identifies a node across all variants.
type NodeKey struct {
	Kind NodeKind `json:"kind"`
	ID   string   `json:"id"`
}

func (k NodeKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Node is one graph vertex. Which optional fields are meaningful depends on
// Kind: routes carry Path, component types carry Name, instances carry
// ComponentType. File points at the source that declared the node.
type Node struct {
	Kind          NodeKind `json:"kind"`
	ID            string   `json:"id"`
	Path          string   `json:"path,omitempty"`
	Name          string   `json:"name,omitempty"`
	ComponentType string   `json:"componentType,omitempty"`
	File          string   `json:"file,omitempty"`
}

// Key returns the identity of the node.
func (n Node) Key() NodeKey {
	return NodeKey{Kind: n.Kind, ID: n.ID}
}

// Validate ensures the node has a known kind and a stable identifier.
func (n Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("graph: node id is required")
	}
	switch n.Kind {
	case NodeRoute, NodeComponentType, NodeInstance:
		return nil
	default:
		return fmt.Errorf("graph: unknown node kind %q", n.Kind)
	}
}

// Edge connects two nodes by id. Edges are compared structurally, so the
// struct must stay comparable.
type Edge struct {
	Kind EdgeKind `json:"kind"`
	From string   `json:"from"`
	To   string   `json:"to"`
}

// Validate ensures the edge has a known kind and both endpoints.
func (e Edge) Validate() error {
	if e.From == "" || e.To == "" {
		return errors.New("graph: edge endpoints are required")
	}
	switch e.Kind {
	case EdgeRouteUsesComponentType, EdgeComponentTypeUsesComponentType, EdgeInstanceChildOfInstance:
		return nil
	default:
		return fmt.Errorf("graph: unknown edge kind %q", e.Kind)
	}
}

// Op is a single patch operation. Node is set for upsertNode, Key for
// removeNode and Edge for both edge operations.
type Op struct {
	Op   OpKind   `json:"op"`
	Node *Node    `json:"node,omitempty"`
	Key  *NodeKey `json:"key,omitempty"`
	Edge *Edge    `json:"edge,omitempty"`
}

// UpsertNode builds an upsertNode op.
func UpsertNode(n Node) Op {
	return Op{Op: OpUpsertNode, Node: &n}
}

// RemoveNode builds a removeNode op.
func RemoveNode(key NodeKey) Op {
	return Op{Op: OpRemoveNode, Key: &key}
}

// UpsertEdge builds an upsertEdge op.
func UpsertEdge(e Edge) Op {
	return Op{Op: OpUpsertEdge, Edge: &e}
}

// RemoveEdge builds a removeEdge op.
func RemoveEdge(e Edge) Op {
	return Op{Op: OpRemoveEdge, Edge: &e}
}

// Validate checks that the op carries the payload its kind requires.
func (o Op) Validate() error {
	switch o.Op {
	case OpUpsertNode:
		if o.Node == nil {
			return errors.New("graph: upsertNode without node")
		}
		return o.Node.Validate()
	case OpRemoveNode:
		if o.Key == nil {
			return errors.New("graph: removeNode without key")
		}
		return nil
	case OpUpsertEdge, OpRemoveEdge:
		if o.Edge == nil {
			return fmt.Errorf("graph: %s without edge", o.Op)
		}
		return o.Edge.Validate()
	default:
		return fmt.Errorf("graph: unknown op %q", o.Op)
	}
}

// Patch is an ordered list of ops stamped with the producer revision they
// lead to.
type Patch struct {
	Revision Revision `json:"revision"`
	Ops      []Op     `json:"ops"`
}

// Snapshot is the complete state of one producer at a revision.
type Snapshot struct {
	Revision Revision `json:"revision"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
}

// Sort orders nodes by key and edges by (kind, from, to) so snapshots
// compare deterministically.
func (s *Snapshot) Sort() {
	sort.Slice(s.Nodes, func(i, j int) bool {
		return lessKey(s.Nodes[i].Key(), s.Nodes[j].Key())
	})
	sort.Slice(s.Edges, func(i, j int) bool {
		return lessEdge(s.Edges[i], s.Edges[j])
	})
}

func lessKey(a, b NodeKey) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID < b.ID
}

func lessEdge(a, b Edge) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}

// Diff returns the ops that turn from into to. Removals come before
// upserts so a consumer never observes a dangling edge for a node that was
// replaced in the same patch.
func Diff(from, to Snapshot) []Op {
	oldNodes := make(map[NodeKey]Node, len(from.Nodes))
	for _, n := range from.Nodes {
		oldNodes[n.Key()] = n
	}
	newNodes := make(map[NodeKey]Node, len(to.Nodes))
	for _, n := range to.Nodes {
		newNodes[n.Key()] = n
	}
	oldEdges := make(map[Edge]struct{}, len(from.Edges))
	for _, e := range from.Edges {
		oldEdges[e] = struct{}{}
	}
	newEdges := make(map[Edge]struct{}, len(to.Edges))
	for _, e := range to.Edges {
		newEdges[e] = struct{}{}
	}

	var removedEdges, addedEdges []Edge
	for e := range oldEdges {
		if _, ok := newEdges[e]; !ok {
			removedEdges = append(removedEdges, e)
		}
	}
	for e := range newEdges {
		if _, ok := oldEdges[e]; !ok {
			addedEdges = append(addedEdges, e)
		}
	}
	var removedNodes []NodeKey
	var upserted []Node
	for k := range oldNodes {
		if _, ok := newNodes[k]; !ok {
			removedNodes = append(removedNodes, k)
		}
	}
	for k, n := range newNodes {
		if prev, ok := oldNodes[k]; !ok || prev != n {
			upserted = append(upserted, n)
		}
	}
	sort.Slice(removedEdges, func(i, j int) bool { return lessEdge(removedEdges[i], removedEdges[j]) })
	sort.Slice(addedEdges, func(i, j int) bool { return lessEdge(addedEdges[i], addedEdges[j]) })
	sort.Slice(removedNodes, func(i, j int) bool { return lessKey(removedNodes[i], removedNodes[j]) })
	sort.Slice(upserted, func(i, j int) bool { return lessKey(upserted[i].Key(), upserted[j].Key()) })

	ops := make([]Op, 0, len(removedEdges)+len(removedNodes)+len(upserted)+len(addedEdges))
	for _, e := range removedEdges {
		ops = append(ops, RemoveEdge(e))
	}
	for _, k := range removedNodes {
		ops = append(ops, RemoveNode(k))
	}
	for _, n := range upserted {
		ops = append(ops, UpsertNode(n))
	}
	for _, e := range addedEdges {
		ops = append(ops, UpsertEdge(e))
	}
	return ops
}
