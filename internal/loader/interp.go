package loader

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/extension/symbols"
)

const (
	activateFuncName   = "Activate"
	deactivateFuncName = "Deactivate"
)

// interpreted is a workspace module evaluated by yaegi.
type interpreted struct {
	path       string
	activate   func(*extension.Context) error
	deactivate func() error
}

func (m *interpreted) Activate(ctx *extension.Context) error {
	return m.activate(ctx)
}

func (m *interpreted) Deactivate() error {
	if m.deactivate == nil {
		return nil
	}
	return m.deactivate()
}

// interpret evaluates the Go file at path and probes it for Activate and
// the optional Deactivate. Interpreter output goes to output so module
// prints never reach the protocol stream.
func interpret(path string, output io.Writer) (*interpreted, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("loader: %s is empty", path)
	}
	file, err := parser.ParseFile(token.NewFileSet(), path, code, parser.PackageClauseOnly)
	if err != nil {
		return nil, fmt.Errorf("loader: parse %s: %w", path, err)
	}
	qualifier := ""
	if pkg := file.Name.Name; pkg != "main" {
		qualifier = pkg + "."
	}

	i := interp.New(interp.Options{Stdout: output, Stderr: output})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loader: stdlib symbols: %w", err)
	}
	if err := i.Use(symbols.Symbols); err != nil {
		return nil, fmt.Errorf("loader: extension symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("loader: interpret %s: %w", path, err)
	}

	activateValue, err := i.Eval(qualifier + activateFuncName)
	if err != nil {
		return nil, fmt.Errorf("loader: %s must define %s(*extension.Context) error: %w", path, activateFuncName, err)
	}
	activate, err := asActivate(activateValue)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", path, err)
	}
	mod := &interpreted{path: path, activate: activate}

	// Deactivate is optional; a lookup failure just means there is none.
	if deactivateValue, err := i.Eval(qualifier + deactivateFuncName); err == nil {
		deactivate, err := asDeactivate(deactivateValue)
		if err != nil {
			return nil, fmt.Errorf("loader: %s: %w", path, err)
		}
		mod.deactivate = deactivate
	}
	return mod, nil
}

func asActivate(value reflect.Value) (func(*extension.Context) error, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", activateFuncName)
	}
	switch fn := value.Interface().(type) {
	case func(*extension.Context) error:
		return fn, nil
	case func(*extension.Context):
		return func(ctx *extension.Context) error {
			fn(ctx)
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("%s has signature %s, want func(*extension.Context) error", activateFuncName, value.Type())
	}
}

func asDeactivate(value reflect.Value) (func() error, error) {
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", deactivateFuncName)
	}
	switch fn := value.Interface().(type) {
	case func() error:
		return fn, nil
	case func():
		return func() error {
			fn()
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("%s has signature %s, want func() error", deactivateFuncName, value.Type())
	}
}
