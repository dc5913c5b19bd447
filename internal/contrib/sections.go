package contrib

import (
	"sync"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/logging"
	"github.com/kingrea/exthost/internal/protocol"
)

// Sections is the ordered list of inspector sections.
type Sections struct {
	sender protocol.Sender
	logger *logging.Logger

	mu      sync.Mutex
	entries []*extension.Section
}

func newSections(sender protocol.Sender, o options) *Sections {
	return &Sections{sender: sender, logger: o.logger}
}

// Register appends s and announces it to the host.
func (s *Sections) Register(moduleID string, section extension.Section) extension.Disposable {
	if section.ModuleID == "" {
		section.ModuleID = moduleID
	}
	entry := &section
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	send(s.sender, s.logger, protocol.SectionRegistered{Section: section})
	return extension.DisposeFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e == entry {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
		return nil
	})
}

// List returns the sections in arrival order.
func (s *Sections) List() []extension.Section {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]extension.Section, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Reset drops every section.
func (s *Sections) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
