package main

import (
	"fmt"
	"os"

	"github.com/kingrea/exthost/internal/config"
	"github.com/kingrea/exthost/internal/loader"
	"github.com/kingrea/exthost/internal/module"
	"github.com/kingrea/exthost/internal/modules"
)

// handleValidateCommand runs `exthost validate [workspace]` when requested.
func handleValidateCommand() bool {
	if len(os.Args) < 2 || os.Args[1] != "validate" {
		return false
	}
	if len(os.Args) > 3 {
		fmt.Fprintln(os.Stderr, "Usage: exthost validate [workspace]")
		os.Exit(2)
	}
	root := ""
	if len(os.Args) == 3 {
		root = os.Args[2]
	}
	root, err := workspaceRoot(root)
	if err != nil {
		die("resolve workspace: %v", err)
	}
	problems, err := validateWorkspace(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(problems) == 0 {
		fmt.Printf("OK: %s\n", root)
		os.Exit(0)
	}
	fmt.Printf("Invalid: %s\n", root)
	for _, problem := range problems {
		fmt.Printf("- %v\n", problem)
	}
	os.Exit(1)
	return true
}

// validateWorkspace loads the config and resolves every module without
// activating anything. A config that fails to load is returned as err.
func validateWorkspace(root string) ([]error, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)
	var problems []error
	for _, d := range cfg.Modules {
		if _, err := loader.Resolve(root, d, reg); err != nil {
			problems = append(problems, fmt.Errorf("module %s: %w", d.ID, err))
		}
	}
	return problems, nil
}
