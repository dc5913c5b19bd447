// Package routes is the built-in graph producer for page routes. It scans
// the routes directory, turns every page into a route node (plus the
// component types and instances YAML pages declare) and watches for changes,
// emitting the difference as revision-ordered patches.
package routes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/fswatch"
	"github.com/kingrea/exthost/internal/loader"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules/pages"
)

const (
	// Package is the specifier the module is registered under.
	Package       = "@exthost/routes"
	moduleVersion = "1.0.0"

	defaultPollInterval = 2 * time.Second
)

// Option customizes the routes module.
type Option func(*Module)

// WithPollInterval changes how often the routes directory is rescanned
// between change notifications.
func WithPollInterval(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRoutesDir pins the routes directory instead of reading preview.routesDir.
func WithRoutesDir(dir string) Option {
	return func(m *Module) {
		m.dir = dir
	}
}

// Module registers the routes producer.
type Module struct {
	module.Base
	interval time.Duration
	dir      string
}

// Register installs the routes module factory.
func Register(reg *module.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(Package, func() module.Builtin {
		return New()
	})
}

// New constructs the routes module with optional overrides.
func New(opts ...Option) *Module {
	mod := &Module{
		Base: module.NewBase(module.Info{
			Package:     Package,
			Name:        "Routes",
			Description: "Publishes page routes, component types and instances to the project graph.",
			Version:     moduleVersion,
		}),
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mod)
		}
	}
	return mod
}

// Activate registers the producer. The routes directory comes from the
// workspace config unless WithRoutesDir was used.
func (m *Module) Activate(ctx *extension.Context) error {
	root := ctx.WorkspaceRoot()
	if root == "" {
		return fmt.Errorf("routes: workspace root is required")
	}
	dir := m.dir
	if dir == "" {
		cfg, err := config.Load(root)
		if err != nil {
			return fmt.Errorf("routes: %w", err)
		}
		dir = pages.RoutesDir(cfg)
	}
	ctx.Graph().RegisterProducer(NewProducer(root, dir, m.interval))
	return nil
}

// Producer watches the routes directory.
type Producer struct {
	root     string
	dir      string
	interval time.Duration

	mu       sync.Mutex
	last     graph.Snapshot
	revision graph.Revision
}

// NewProducer builds a producer over root/dir. interval <= 0 uses the
// default poll interval.
func NewProducer(root, dir string, interval time.Duration) *Producer {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Producer{root: root, dir: dir, interval: interval}
}

// ID returns "" so the producer takes the id of the module that registered it.
func (p *Producer) ID() string { return "" }

// Initialize scans once and returns revision 1.
func (p *Producer) Initialize(context.Context) (graph.Snapshot, error) {
	snap, err := p.scan()
	if err != nil {
		return graph.Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revision = 1
	snap.Revision = p.revision
	p.last = snap
	return snap, nil
}

// Start watches the routes tree until ctx is done. Notifications trigger a
// rescan right away; the poll interval is the fallback.
func (p *Producer) Start(ctx context.Context, emit func(graph.Patch)) error {
	var roots []string
	if base, err := loader.ResolvePath(p.root, p.dir); err == nil {
		roots = append(roots, base)
	}
	go fswatch.Run(ctx, p.interval, roots, func() {
		if patch, ok := p.Poll(); ok {
			emit(patch)
		}
	}, fswatch.Recursive())
	return nil
}

// Poll rescans and returns the patch leading to the new state, if anything
// changed. A failed scan keeps the previous state.
func (p *Producer) Poll() (graph.Patch, bool) {
	snap, err := p.scan()
	if err != nil {
		return graph.Patch{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := graph.Diff(p.last, snap)
	if len(ops) == 0 {
		return graph.Patch{}, false
	}
	p.revision++
	snap.Revision = p.revision
	p.last = snap
	return graph.Patch{Revision: p.revision, Ops: ops}, true
}

// scan builds the snapshot for the current files. Pages that fail to parse
// still yield their route node.
func (p *Producer) scan() (graph.Snapshot, error) {
	found, err := pages.Scan(p.root, p.dir)
	if found == nil && err != nil {
		return graph.Snapshot{}, fmt.Errorf("routes: %w", err)
	}
	return Build(found), nil
}

// Build converts pages into a sorted snapshot without a revision. The first
// page declaring a node wins.
func Build(found []pages.Page) graph.Snapshot {
	var snap graph.Snapshot
	nodes := map[graph.NodeKey]bool{}
	edges := map[graph.Edge]bool{}
	addNode := func(n graph.Node) {
		if !nodes[n.Key()] {
			nodes[n.Key()] = true
			snap.Nodes = append(snap.Nodes, n)
		}
	}
	addEdge := func(e graph.Edge) {
		if !edges[e] {
			edges[e] = true
			snap.Edges = append(snap.Edges, e)
		}
	}
	for _, page := range found {
		addNode(graph.Node{Kind: graph.NodeRoute, ID: page.Route, Path: page.Route, File: page.File})
		if page.Document == nil {
			continue
		}
		page.Document.Walk(func(parent, inst *pages.Instance) {
			if inst.ID == "" {
				return
			}
			id := pages.Address(page.File, inst.ID)
			addNode(graph.Node{Kind: graph.NodeInstance, ID: id, ComponentType: inst.Type, File: page.File})
			if parent != nil && parent.ID != "" {
				addEdge(graph.Edge{Kind: graph.EdgeInstanceChildOfInstance, From: id, To: pages.Address(page.File, parent.ID)})
			}
			if inst.Type == "" {
				return
			}
			addNode(graph.Node{Kind: graph.NodeComponentType, ID: inst.Type, Name: inst.Type, File: page.File})
			addEdge(graph.Edge{Kind: graph.EdgeRouteUsesComponentType, From: page.Route, To: inst.Type})
			if parent != nil && parent.Type != "" && parent.Type != inst.Type {
				addEdge(graph.Edge{Kind: graph.EdgeComponentTypeUsesComponentType, From: parent.Type, To: inst.Type})
			}
		})
	}
	snap.Sort()
	return snap
}
