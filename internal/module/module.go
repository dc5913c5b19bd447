package module

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/kingrea/exthost/extension"
)

// Info describes a compiled-in module's identity.
type Info struct {
	Package     string
	Name        string
	Description string
	Version     string
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if i.Package == "" {
		return fmt.Errorf("module: package is required")
	}
	if i.Name == "" {
		return fmt.Errorf("module: name is required for %s", i.Package)
	}
	if _, err := semver.NewVersion(i.Version); err != nil {
		return fmt.Errorf("module: version of %s: %w", i.Package, err)
	}
	return nil
}

// Status enumerates module activation outcomes reported to the host.
type Status string

const (
	StatusActivating  Status = "activating"
	StatusActive      Status = "active"
	StatusFailed      Status = "failed"
	StatusDeactivated Status = "deactivated"
)

// Builtin is implemented by every module compiled into the worker.
type Builtin interface {
	extension.Module
	Info() Info
}
