package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffRoundTripsThroughStore(t *testing.T) {
	from := Snapshot{
		Revision: 1,
		Nodes:    []Node{route("home"), route("about"), component("Button")},
		Edges: []Edge{
			{Kind: EdgeRouteUsesComponentType, From: "home", To: "Button"},
			{Kind: EdgeRouteUsesComponentType, From: "about", To: "Button"},
		},
	}
	to := Snapshot{
		Revision: 2,
		Nodes:    []Node{route("home"), component("Button"), {Kind: NodeComponentType, ID: "Card", Name: "Card", File: "card.tsx"}},
		Edges: []Edge{
			{Kind: EdgeRouteUsesComponentType, From: "home", To: "Button"},
			{Kind: EdgeComponentTypeUsesComponentType, From: "Card", To: "Button"},
		},
	}
	ops := Diff(from, to)
	for _, op := range ops {
		require.NoError(t, op.Validate())
	}

	store := NewStore()
	store.ApplySnapshot("p", from)
	require.True(t, store.ApplyPatch("p", Patch{Revision: 2, Ops: ops}))
	got, _ := store.ProducerSnapshot("p")
	to.Sort()
	assert.Equal(t, to, got)
}

func TestDiffOfEqualSnapshotsIsEmpty(t *testing.T) {
	snap := Snapshot{Nodes: []Node{route("a")}, Edges: []Edge{{Kind: EdgeRouteUsesComponentType, From: "a", To: "B"}}}
	assert.Empty(t, Diff(snap, snap))
}

func TestOpValidate(t *testing.T) {
	assert.Error(t, Op{Op: OpUpsertNode}.Validate())
	assert.Error(t, Op{Op: OpRemoveNode}.Validate())
	assert.Error(t, Op{Op: "rename"}.Validate())
	assert.Error(t, UpsertNode(Node{Kind: "page", ID: "x"}).Validate())
	assert.Error(t, UpsertEdge(Edge{Kind: EdgeRouteUsesComponentType, From: "a"}).Validate())
	assert.NoError(t, RemoveNode(NodeKey{Kind: NodeRoute, ID: "x"}).Validate())
	assert.Equal(t, "route:x", NodeKey{Kind: NodeRoute, ID: "x"}.String())
}
