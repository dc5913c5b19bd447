// Package overrides_promoter is the built-in save promoter. It checks each
// draft override against the YAML page it addresses and plans a props edit
// for every one that resolves. Nothing is written to disk.
package overrides_promoter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/loader"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules/pages"
)

const (
	// Package is the specifier the module is registered under.
	Package       = "@exthost/overrides-promoter"
	moduleVersion = "1.0.0"
)

// Failure codes reported per override.
const (
	CodeInvalidAddress   = "invalid-address"
	CodeOutsideWorkspace = "outside-workspace"
	CodeUnsupportedFile  = "unsupported-file"
	CodeFileNotFound     = "file-not-found"
	CodeParseError       = "parse-error"
	CodeInstanceNotFound = "instance-not-found"
	CodeEmptyProps       = "empty-props"
)

// Module registers the promoter under the module id.
type Module struct {
	module.Base
}

// Register installs the promoter factory.
func Register(reg *module.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(Package, func() module.Builtin {
		return New()
	})
}

// New constructs the module.
func New() *Module {
	return &Module{Base: module.NewBase(module.Info{
		Package:     Package,
		Name:        "Overrides Promoter",
		Description: "Plans page edits for draft component overrides.",
		Version:     moduleVersion,
	})}
}

// Activate registers the promoter.
func (m *Module) Activate(ctx *extension.Context) error {
	if ctx.WorkspaceRoot() == "" {
		return errors.New("overrides-promoter: workspace root is required")
	}
	ctx.Save().RegisterPromoter(NewPromoter(ctx.ModuleID(), ctx.WorkspaceRoot()))
	return nil
}

// Promoter resolves addresses of the form <page file>#<instance id>.
type Promoter struct {
	id   string
	root string
}

// NewPromoter creates a promoter rooted at the workspace.
func NewPromoter(id, root string) *Promoter {
	if abs, err := filepath.Abs(root); err == nil {
		root = filepath.Clean(abs)
	}
	return &Promoter{id: id, root: root}
}

// ID implements extension.Promoter.
func (p *Promoter) ID() string { return p.id }

// Promote plans one edit per resolvable override, in request order. The
// plan is complete even when every override fails; only cancellation
// aborts it.
func (p *Promoter) Promote(ctx context.Context, overrides []extension.Override) (extension.PromotionPlan, error) {
	plan := extension.PromotionPlan{Edits: []extension.Edit{}, Failed: []extension.PromotionFailure{}}
	docs := map[string]*loadedDoc{}
	for _, o := range overrides {
		if err := ctx.Err(); err != nil {
			return extension.PromotionPlan{}, err
		}
		edit, outcome := p.plan(o, docs)
		if outcome != nil {
			plan.Failed = append(plan.Failed, extension.PromotionFailure{Address: o.Address, Result: *outcome})
			continue
		}
		plan.Edits = append(plan.Edits, edit)
	}
	return plan, nil
}

type loadedDoc struct {
	doc pages.Document
	err *extension.PromotionOutcome
}

func (p *Promoter) plan(o extension.Override, docs map[string]*loadedDoc) (extension.Edit, *extension.PromotionOutcome) {
	file, instance, err := pages.SplitAddress(o.Address)
	if err != nil {
		return extension.Edit{}, fail(CodeInvalidAddress, err.Error())
	}
	if len(o.Props) == 0 {
		return extension.Edit{}, fail(CodeEmptyProps, "override carries no props")
	}
	if !pages.IsDocument(file) {
		return extension.Edit{}, fail(CodeUnsupportedFile, fmt.Sprintf("%s is not a YAML page", file))
	}
	path, err := loader.ResolvePath(p.root, file)
	if err != nil {
		if errors.Is(err, loader.ErrOutsideWorkspace) {
			return extension.Edit{}, fail(CodeOutsideWorkspace, fmt.Sprintf("%s is outside the workspace", file))
		}
		return extension.Edit{}, fail(CodeInvalidAddress, err.Error())
	}
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		rel = file
	}
	rel = filepath.ToSlash(rel)

	loaded, ok := docs[path]
	if !ok {
		loaded = load(path, rel)
		docs[path] = loaded
	}
	if loaded.err != nil {
		return extension.Edit{}, loaded.err
	}
	inst, ok := loaded.doc.Find(instance)
	if !ok {
		return extension.Edit{}, fail(CodeInstanceNotFound, fmt.Sprintf("no instance %q in %s", instance, rel))
	}
	return extension.Edit{
		File:        rel,
		Address:     pages.Address(rel, instance),
		Description: describe(inst, o.Props),
		Props:       o.Props,
	}, nil
}

func load(path, rel string) *loadedDoc {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &loadedDoc{err: fail(CodeFileNotFound, fmt.Sprintf("%s does not exist", rel))}
		}
		return &loadedDoc{err: fail(CodeFileNotFound, err.Error())}
	}
	doc, err := pages.Load(path)
	if err != nil {
		return &loadedDoc{err: fail(CodeParseError, err.Error())}
	}
	return &loadedDoc{doc: doc}
}

func describe(inst *pages.Instance, props map[string]any) string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	target := inst.ID
	if inst.Type != "" {
		target = fmt.Sprintf("%s (%s)", inst.ID, inst.Type)
	}
	return fmt.Sprintf("set props %s on %s", strings.Join(names, ", "), target)
}

func fail(code, message string) *extension.PromotionOutcome {
	return &extension.PromotionOutcome{Code: code, Message: message}
}
