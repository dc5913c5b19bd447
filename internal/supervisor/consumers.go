package supervisor

import (
	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/protocol"
)

// RegistryConsumer receives the ordered metadata contributions of an
// activation pass.
type RegistryConsumer interface {
	RegistryContributed(contributions []extension.RegistryContribution)
}

// GraphConsumer receives producer snapshots and patches.
type GraphConsumer interface {
	GraphSnapshot(producerID string, snap graph.Snapshot)
	GraphPatch(producerID string, patch graph.Patch)
}

// LauncherConsumer receives launcher registrations and their log output.
type LauncherConsumer interface {
	LauncherRegistered(desc extension.LauncherDescriptor)
	LauncherLog(launcherID string, entry extension.LogEntry)
}

// ModuleConsumer receives activation status changes.
type ModuleConsumer interface {
	ModuleStatus(moduleID string, status module.Status, err *protocol.Error)
}

// SectionConsumer receives inspector section descriptors.
type SectionConsumer interface {
	SectionRegistered(section extension.Section)
}

// WorkerConsumer observes the worker lifecycle and worker-wide errors.
type WorkerConsumer interface {
	WorkerState(state State)
	WorkerError(err *protocol.Error)
}

// ConfigConsumer is told when the host pushes a new config.
type ConfigConsumer interface {
	ConfigChanged(cfg *config.Config)
}

// Resetter drops host state derived from a previous worker generation.
type Resetter interface {
	ResetWorkerState()
}

// Consumers are the forwarding targets of worker messages. Nil members
// are skipped.
type Consumers struct {
	Registry  RegistryConsumer
	Graph     GraphConsumer
	Launchers LauncherConsumer
	Modules   ModuleConsumer
	Sections  SectionConsumer
	Worker    WorkerConsumer
	Config    ConfigConsumer
	Reset     Resetter
}

// ConsumersOf fills every member that v implements.
func ConsumersOf(v any) Consumers {
	var c Consumers
	c.Registry, _ = v.(RegistryConsumer)
	c.Graph, _ = v.(GraphConsumer)
	c.Launchers, _ = v.(LauncherConsumer)
	c.Modules, _ = v.(ModuleConsumer)
	c.Sections, _ = v.(SectionConsumer)
	c.Worker, _ = v.(WorkerConsumer)
	c.Config, _ = v.(ConfigConsumer)
	c.Reset, _ = v.(Resetter)
	return c
}
