package contrib

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/protocol"
)

type producerEntry struct {
	id       string
	moduleID string
	cancel   context.CancelFunc
	stopped  atomic.Bool
}

func (e *producerEntry) stop() {
	e.stopped.Store(true)
	e.cancel()
}

// Producers starts graph producers as they register and forwards their
// snapshots and patches.
type Producers struct {
	sender protocol.Sender
	logger *logging.Logger
	run    Runner

	mu      sync.Mutex
	entries map[string]*producerEntry
}

func newProducers(sender protocol.Sender, o options) *Producers {
	return &Producers{
		sender:  sender,
		logger:  o.logger,
		run:     o.run,
		entries: map[string]*producerEntry{},
	}
}

// Register starts p right away: Initialize, announce the snapshot, then
// Start with an emit callback. The producer id falls back to moduleID.
// Disposing cancels the producer context and drops later emissions.
func (p *Producers) Register(moduleID string, prod extension.Producer) extension.Disposable {
	if prod == nil {
		return extension.Nop
	}
	id := strings.TrimSpace(prod.ID())
	if id == "" {
		id = moduleID
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &producerEntry{id: id, moduleID: moduleID, cancel: cancel}

	p.mu.Lock()
	if previous, ok := p.entries[id]; ok {
		p.logger.Warnf("contrib: producer %s registered again by %s; replacing the earlier registration", id, moduleID)
		previous.stop()
	}
	p.entries[id] = entry
	p.mu.Unlock()

	p.run(func() { p.start(ctx, entry, prod) })

	return extension.DisposeFunc(func() error {
		entry.stop()
		p.mu.Lock()
		if p.entries[id] == entry {
			delete(p.entries, id)
		}
		p.mu.Unlock()
		return nil
	})
}

func (p *Producers) start(ctx context.Context, entry *producerEntry, prod extension.Producer) {
	snapshot, err := prod.Initialize(ctx)
	if err != nil {
		p.fail(entry, "initialize", err)
		return
	}
	if entry.stopped.Load() {
		return
	}
	send(p.sender, p.logger, protocol.GraphSnapshot{ProducerID: entry.id, Snapshot: snapshot})

	emit := func(patch graph.Patch) {
		if entry.stopped.Load() {
			return
		}
		send(p.sender, p.logger, protocol.GraphPatch{ProducerID: entry.id, Patch: patch})
	}
	if err := prod.Start(ctx, emit); err != nil {
		p.fail(entry, "start", err)
	}
}

func (p *Producers) fail(entry *producerEntry, stage string, err error) {
	if entry.stopped.Load() {
		return
	}
	p.logger.Errorw("contrib: producer failed", "producer", entry.id, "module", entry.moduleID, "stage", stage, "error", err)
	send(p.sender, p.logger, protocol.Failure{
		Error: protocol.NewError(protocol.CodeUnhandledRejection, "producer %s: %s: %v", entry.id, stage, err),
	})
}

// IDs returns the registered producer ids, sorted.
func (p *Producers) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset cancels and forgets every producer.
func (p *Producers) Reset() {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*producerEntry{}
	p.mu.Unlock()
	for _, e := range entries {
		e.stop()
	}
}
