// Package extension is the API extension modules are written against.
//
// A module exposes an Activate function (or implements Module when it is
// compiled into the worker). Activate receives a *Context whose five APIs
// let the module contribute component metadata, graph producers, preview
// launchers, save promoters and inspector sections. Every registration
// returns a Disposable; the worker releases them when the module is
// deactivated.
package extension

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kingrea/exthost/graph"
)

// Module is implemented by compiled-in extension modules.
type Module interface {
	Activate(ctx *Context) error
}

// Deactivator is implemented by modules that need a teardown hook.
type Deactivator interface {
	Deactivate() error
}

// Disposable undoes a prior registration.
type Disposable interface {
	Dispose() error
}

// DisposeFunc adapts a function into a Disposable.
type DisposeFunc func() error

// Dispose executes f.
func (f DisposeFunc) Dispose() error {
	if f == nil {
		return nil
	}
	return f()
}

// Nop is a Disposable that does nothing.
var Nop Disposable = DisposeFunc(func() error { return nil })

// PropDefinition describes one prop a component type accepts.
type PropDefinition struct {
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ComponentMeta is the display metadata of one component type.
type ComponentMeta struct {
	DisplayName string                    `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string                    `json:"category,omitempty" yaml:"category,omitempty"`
	Icon        string                    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Hidden      bool                      `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Props       map[string]PropDefinition `json:"props,omitempty" yaml:"props,omitempty"`
}

// Registry maps component-type identifiers to their metadata.
type Registry map[string]ComponentMeta

// RegistryContribution is one module's registry, in contribution order.
type RegistryContribution struct {
	ModuleID string   `json:"moduleId"`
	Registry Registry `json:"registry"`
}

// ComponentOverride is applied field by field on top of a composed entry.
// Empty strings and a nil Hidden leave the composed value alone; Props
// entries replace props of the same name.
type ComponentOverride struct {
	DisplayName string                    `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string                    `json:"category,omitempty" yaml:"category,omitempty"`
	Icon        string                    `json:"icon,omitempty" yaml:"icon,omitempty"`
	Hidden      *bool                     `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Props       map[string]PropDefinition `json:"props,omitempty" yaml:"props,omitempty"`
}

// Producer feeds the project graph. Initialize returns the first snapshot;
// Start must return promptly and may call emit from any goroutine until ctx
// is done.
type Producer interface {
	ID() string
	Initialize(ctx context.Context) (graph.Snapshot, error)
	Start(ctx context.Context, emit func(graph.Patch)) error
}

// LauncherDescriptor announces a launcher to the host.
type LauncherDescriptor struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	SupportedSessionTypes []string `json:"supportedSessionTypes"`
}

// LaunchOptions are passed through from the host. Preview carries the
// opaque preview section of the configuration.
type LaunchOptions struct {
	SessionType   string            `json:"sessionType,omitempty"`
	WorkspaceRoot string            `json:"workspaceRoot,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Preview       map[string]any    `json:"preview,omitempty"`
}

// LaunchResult is a reachable endpoint and, when known, the launched
// process id.
type LaunchResult struct {
	URL       string `json:"url"`
	ProcessID int    `json:"processId,omitempty"`
}

// LogEntry is one line of launcher output.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Stream  string    `json:"stream,omitempty"`
	Message string    `json:"message"`
}

// Launcher starts and stops a long-running preview process.
type Launcher interface {
	Descriptor() LauncherDescriptor
	Start(ctx context.Context, opts LaunchOptions) (LaunchResult, error)
	Stop(ctx context.Context) error
	OnLog(fn func(LogEntry)) Disposable
}

// Override is a draft value edit addressed at a component instance.
type Override struct {
	Address string         `json:"address"`
	Props   map[string]any `json:"props"`
}

// Edit is one concrete change a promoter plans against persisted state.
type Edit struct {
	File        string         `json:"file"`
	Address     string         `json:"address"`
	Description string         `json:"description,omitempty"`
	Props       map[string]any `json:"props,omitempty"`
}

// PromotionOutcome explains why an override could not be promoted.
type PromotionOutcome struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// PromotionFailure pairs an override address with its outcome.
type PromotionFailure struct {
	Address string           `json:"address"`
	Result  PromotionOutcome `json:"result"`
}

// PromotionPlan is the answer to a promotion request.
type PromotionPlan struct {
	Edits  []Edit             `json:"edits"`
	Failed []PromotionFailure `json:"failed"`
}

// Promoter turns draft overrides into an edit plan.
type Promoter interface {
	ID() string
	Promote(ctx context.Context, overrides []Override) (PromotionPlan, error)
}

// Section describes a panel contributed to the host inspector.
type Section struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	ModuleID string            `json:"moduleId,omitempty"`
	Order    int               `json:"order,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// RegistryAPI accepts component metadata.
type RegistryAPI interface {
	ContributeRegistry(r Registry) Disposable
}

// GraphAPI accepts graph producers.
type GraphAPI interface {
	RegisterProducer(p Producer) Disposable
}

// PreviewAPI accepts preview launchers.
type PreviewAPI interface {
	RegisterLauncher(l Launcher) Disposable
}

// SaveAPI accepts save promoters.
type SaveAPI interface {
	RegisterPromoter(p Promoter) Disposable
}

// UIAPI accepts inspector sections.
type UIAPI interface {
	RegisterInspectorSection(s Section) Disposable
}

// Hooks are the worker-side sinks a Context writes into.
type Hooks struct {
	Registry RegistryAPI
	Graph    GraphAPI
	Preview  PreviewAPI
	Save     SaveAPI
	UI       UIAPI
}

// ErrDisposed is returned by Track once the context has been released.
var ErrDisposed = errors.New("extension: context already disposed")

// Context is handed once to a module's Activate. It must not be shared
// with other modules.
type Context struct {
	moduleID  string
	workspace string
	hooks     Hooks

	mu          sync.Mutex
	disposables []Disposable
	disposed    bool
}

// NewContext builds a context for moduleID. Nil hooks are replaced with
// sinks that accept and ignore contributions.
func NewContext(moduleID, workspace string, hooks Hooks) *Context {
	if hooks.Registry == nil {
		hooks.Registry = nopHooks{}
	}
	if hooks.Graph == nil {
		hooks.Graph = nopHooks{}
	}
	if hooks.Preview == nil {
		hooks.Preview = nopHooks{}
	}
	if hooks.Save == nil {
		hooks.Save = nopHooks{}
	}
	if hooks.UI == nil {
		hooks.UI = nopHooks{}
	}
	return &Context{moduleID: moduleID, workspace: workspace, hooks: hooks}
}

// ModuleID returns the configured id of the module owning the context.
func (c *Context) ModuleID() string { return c.moduleID }

// WorkspaceRoot returns the absolute workspace directory, or "" when the
// host did not provide one.
func (c *Context) WorkspaceRoot() string { return c.workspace }

// Registry returns the metadata registry API.
func (c *Context) Registry() RegistryAPI { return trackedRegistry{c} }

// Graph returns the graph producer API.
func (c *Context) Graph() GraphAPI { return trackedGraph{c} }

// Preview returns the launcher API.
func (c *Context) Preview() PreviewAPI { return trackedPreview{c} }

// Save returns the promoter API.
func (c *Context) Save() SaveAPI { return trackedSave{c} }

// UI returns the inspector section API.
func (c *Context) UI() UIAPI { return trackedUI{c} }

// Track adds d to the disposables released on deactivation.
func (c *Context) Track(d Disposable) error {
	if d == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	c.disposables = append(c.disposables, d)
	return nil
}

// Release disposes everything tracked by the context in reverse
// registration order and returns the individual failures. Panicking
// disposables are reported as errors.
func (c *Context) Release() []error {
	c.mu.Lock()
	items := c.disposables
	c.disposables = nil
	c.disposed = true
	c.mu.Unlock()
	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		if err := safeDispose(items[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func safeDispose(d Disposable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return d.Dispose()
}

func (c *Context) track(d Disposable) Disposable {
	if d == nil {
		d = Nop
	}
	if err := c.Track(d); err != nil {
		// registration after release: undo it right away
		_ = safeDispose(d)
		return Nop
	}
	return d
}

type trackedRegistry struct{ c *Context }

func (t trackedRegistry) ContributeRegistry(r Registry) Disposable {
	return t.c.track(t.c.hooks.Registry.ContributeRegistry(r))
}

type trackedGraph struct{ c *Context }

func (t trackedGraph) RegisterProducer(p Producer) Disposable {
	return t.c.track(t.c.hooks.Graph.RegisterProducer(p))
}

type trackedPreview struct{ c *Context }

func (t trackedPreview) RegisterLauncher(l Launcher) Disposable {
	return t.c.track(t.c.hooks.Preview.RegisterLauncher(l))
}

type trackedSave struct{ c *Context }

func (t trackedSave) RegisterPromoter(p Promoter) Disposable {
	return t.c.track(t.c.hooks.Save.RegisterPromoter(p))
}

type trackedUI struct{ c *Context }

func (t trackedUI) RegisterInspectorSection(s Section) Disposable {
	return t.c.track(t.c.hooks.UI.RegisterInspectorSection(s))
}

type nopHooks struct{}

func (nopHooks) ContributeRegistry(Registry) Disposable      { return Nop }
func (nopHooks) RegisterProducer(Producer) Disposable        { return Nop }
func (nopHooks) RegisterLauncher(Launcher) Disposable        { return Nop }
func (nopHooks) RegisterPromoter(Promoter) Disposable        { return Nop }
func (nopHooks) RegisterInspectorSection(Section) Disposable { return Nop }
