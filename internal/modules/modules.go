// Package modules wires the built-in modules shipped with the worker.
package modules

import (
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules/command_launcher"
	"github.com/kingrea/exthost/internal/modules/core_components"
	"github.com/kingrea/exthost/internal/modules/overrides_promoter"
	"github.com/kingrea/exthost/internal/modules/routes"
)

// RegisterBuiltins installs all of the built-in module factories into the
// provided registry.
func RegisterBuiltins(reg *module.Registry) {
	if reg == nil {
		return
	}
	core_components.Register(reg)
	routes.Register(reg)
	command_launcher.Register(reg)
	overrides_promoter.Register(reg)
}
