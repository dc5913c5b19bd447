// Package protocol defines the closed message sets exchanged between the
// host supervisor and the extension worker, and the newline-delimited JSON
// connection that carries them.
package protocol

import (
	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/graph"
	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/module"
)

// Type tags every message on the wire.
type Type string

// Host to worker.
const (
	TypeInit             Type = "init"
	TypeConfigChanged    Type = "config-changed"
	TypeShutdown         Type = "shutdown"
	TypeStartLauncher    Type = "start-launcher"
	TypeStopLauncher     Type = "stop-launcher"
	TypePromoteOverrides Type = "promote-overrides"
)

// Worker to host.
const (
	TypeReady                  Type = "ready"
	TypeRegistryContribution   Type = "registry-contribution"
	TypeGraphSnapshot          Type = "graph-snapshot"
	TypeGraphPatch             Type = "graph-patch"
	TypeLauncherRegistered     Type = "launcher-registered"
	TypeLauncherStarted        Type = "launcher-started"
	TypeLauncherStopped        Type = "launcher-stopped"
	TypeLauncherError          Type = "launcher-error"
	TypeLauncherLog            Type = "launcher-log"
	TypeModuleActivationStatus Type = "module-activation-status"
	TypePromotionResult        Type = "promotion-result"
	TypePromotionError         Type = "promotion-error"
	TypeSectionRegistered      Type = "section-registered"
	TypeError                  Type = "error"
)

// Message is any protocol message.
type Message interface {
	Type() Type
}

// HostMessage is sent by the supervisor. The set is closed.
type HostMessage interface {
	Message
	hostMessage()
}

// WorkerMessage is sent by the worker. The set is closed.
type WorkerMessage interface {
	Message
	workerMessage()
}

// Correlated is implemented by messages that carry a correlation id.
type Correlated interface {
	Correlation() string
}

// Sender delivers messages over a channel.
type Sender interface {
	Send(Message) error
}

// SenderFunc adapts a function into a Sender.
type SenderFunc func(Message) error

// Send executes f(m).
func (f SenderFunc) Send(m Message) error {
	if f == nil {
		return nil
	}
	return f(m)
}

type Init struct {
	Workspace string         `json:"workspace"`
	Config    *config.Config `json:"config"`
}

type ConfigChanged struct {
	Config *config.Config `json:"config"`
}

type Shutdown struct{}

type StartLauncher struct {
	LauncherID    string                  `json:"launcherId"`
	Options       extension.LaunchOptions `json:"options"`
	CorrelationID string                  `json:"correlationId"`
}

type StopLauncher struct {
	LauncherID    string `json:"launcherId"`
	CorrelationID string `json:"correlationId"`
}

type PromoteOverrides struct {
	Overrides     []extension.Override `json:"overrides"`
	CorrelationID string               `json:"correlationId"`
}

func (Init) Type() Type             { return TypeInit }
func (ConfigChanged) Type() Type    { return TypeConfigChanged }
func (Shutdown) Type() Type         { return TypeShutdown }
func (StartLauncher) Type() Type    { return TypeStartLauncher }
func (StopLauncher) Type() Type     { return TypeStopLauncher }
func (PromoteOverrides) Type() Type { return TypePromoteOverrides }

func (Init) hostMessage()             {}
func (ConfigChanged) hostMessage()    {}
func (Shutdown) hostMessage()         {}
func (StartLauncher) hostMessage()    {}
func (StopLauncher) hostMessage()     {}
func (PromoteOverrides) hostMessage() {}

func (m StartLauncher) Correlation() string    { return m.CorrelationID }
func (m StopLauncher) Correlation() string     { return m.CorrelationID }
func (m PromoteOverrides) Correlation() string { return m.CorrelationID }

type Ready struct{}

type RegistryContribution struct {
	Registries []extension.RegistryContribution `json:"registries"`
}

type GraphSnapshot struct {
	ProducerID string         `json:"producerId"`
	Snapshot   graph.Snapshot `json:"snapshot"`
}

type GraphPatch struct {
	ProducerID string      `json:"producerId"`
	Patch      graph.Patch `json:"patch"`
}

type LauncherRegistered struct {
	Descriptor extension.LauncherDescriptor `json:"descriptor"`
}

type LauncherStarted struct {
	CorrelationID string                 `json:"correlationId"`
	LauncherID    string                 `json:"launcherId"`
	Result        extension.LaunchResult `json:"result"`
}

type LauncherStopped struct {
	CorrelationID string `json:"correlationId"`
	LauncherID    string `json:"launcherId"`
}

type LauncherError struct {
	CorrelationID string `json:"correlationId"`
	LauncherID    string `json:"launcherId"`
	Error         *Error `json:"error"`
}

type LauncherLog struct {
	LauncherID string             `json:"launcherId"`
	Entry      extension.LogEntry `json:"entry"`
}

type ModuleActivationStatus struct {
	ModuleID string        `json:"moduleId"`
	Status   module.Status `json:"status"`
	Error    *Error        `json:"error,omitempty"`
}

type PromotionResult struct {
	CorrelationID string                  `json:"correlationId"`
	Plan          extension.PromotionPlan `json:"plan"`
}

type PromotionError struct {
	CorrelationID string `json:"correlationId"`
	Error         *Error `json:"error"`
}

type SectionRegistered struct {
	Section extension.Section `json:"section"`
}

// Failure is the worker-wide `error` message.
type Failure struct {
	Error *Error `json:"error"`
}

func (Ready) Type() Type                  { return TypeReady }
func (RegistryContribution) Type() Type   { return TypeRegistryContribution }
func (GraphSnapshot) Type() Type          { return TypeGraphSnapshot }
func (GraphPatch) Type() Type             { return TypeGraphPatch }
func (LauncherRegistered) Type() Type     { return TypeLauncherRegistered }
func (LauncherStarted) Type() Type        { return TypeLauncherStarted }
func (LauncherStopped) Type() Type        { return TypeLauncherStopped }
func (LauncherError) Type() Type          { return TypeLauncherError }
func (LauncherLog) Type() Type            { return TypeLauncherLog }
func (ModuleActivationStatus) Type() Type { return TypeModuleActivationStatus }
func (PromotionResult) Type() Type        { return TypePromotionResult }
func (PromotionError) Type() Type         { return TypePromotionError }
func (SectionRegistered) Type() Type      { return TypeSectionRegistered }
func (Failure) Type() Type                { return TypeError }

func (Ready) workerMessage()                  {}
func (RegistryContribution) workerMessage()   {}
func (GraphSnapshot) workerMessage()          {}
func (GraphPatch) workerMessage()             {}
func (LauncherRegistered) workerMessage()     {}
func (LauncherStarted) workerMessage()        {}
func (LauncherStopped) workerMessage()        {}
func (LauncherError) workerMessage()          {}
func (LauncherLog) workerMessage()            {}
func (ModuleActivationStatus) workerMessage() {}
func (PromotionResult) workerMessage()        {}
func (PromotionError) workerMessage()         {}
func (SectionRegistered) workerMessage()      {}
func (Failure) workerMessage()                {}

func (m LauncherStarted) Correlation() string { return m.CorrelationID }
func (m LauncherStopped) Correlation() string { return m.CorrelationID }
func (m LauncherError) Correlation() string   { return m.CorrelationID }
func (m PromotionResult) Correlation() string { return m.CorrelationID }
func (m PromotionError) Correlation() string  { return m.CorrelationID }
