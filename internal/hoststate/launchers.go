package hoststate

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/exthost/extension"
	"github.com/kingrea/exthost/internal/logbook"
	"github.com/kingrea/exthost/internal/logging"
)

// LauncherInfo is the host view of one registered launcher.
type LauncherInfo struct {
	Descriptor extension.LauncherDescriptor `json:"descriptor"`
	Running    bool                         `json:"running"`
	URL        string                       `json:"url,omitempty"`
	ProcessID  int                          `json:"processId,omitempty"`
	LogLines   int                          `json:"logLines"`
	LastLog    time.Time                    `json:"lastLog,omitempty"`
	LogPath    string                       `json:"logPath,omitempty"`
}

type launcherRecord struct {
	info LauncherInfo
	book *logbook.Logbook
}

// LauncherDirectory tracks registered launchers, whether the host started
// them, and persists their log output. Without a log directory logs are
// counted but not written.
type LauncherDirectory struct {
	logDir string
	logger *logging.Logger

	mu        sync.RWMutex
	launchers map[string]*launcherRecord
}

// NewLauncherDirectory writes logbooks under logDir when it is non-empty.
func NewLauncherDirectory(logDir string, logger *logging.Logger) *LauncherDirectory {
	return &LauncherDirectory{logDir: logDir, logger: logger, launchers: map[string]*launcherRecord{}}
}

// Register records desc. A re-registration keeps the running state.
func (d *LauncherDirectory) Register(desc extension.LauncherDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.launchers[desc.ID]; ok {
		rec.info.Descriptor = desc
		return
	}
	rec := &launcherRecord{info: LauncherInfo{Descriptor: desc}}
	if d.logDir != "" {
		book, err := logbook.New(filepath.Join(d.logDir, logbook.FileName(desc.ID)))
		if err != nil {
			d.logger.Warnw("hoststate: launcher logbook unavailable", "launcher", desc.ID, "error", err)
		} else {
			rec.book = book
			rec.info.LogPath = book.Path()
		}
	}
	d.launchers[desc.ID] = rec
}

// Log appends entry to the launcher's logbook. Entries for unknown
// launchers are dropped.
func (d *LauncherDirectory) Log(id string, entry extension.LogEntry) {
	d.mu.Lock()
	rec, ok := d.launchers[id]
	if ok {
		rec.info.LogLines++
		rec.info.LastLog = entry.Time
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debugf("hoststate: log for unknown launcher %s dropped", id)
		return
	}
	if err := rec.book.Record(entry.Time, logbook.ParseLevel(entry.Level), entry.Stream, entry.Message); err != nil {
		d.logger.Warnw("hoststate: persist launcher log", "launcher", id, "error", err)
	}
}

// MarkStarted records a successful start and notes it in the logbook.
func (d *LauncherDirectory) MarkStarted(id string, result extension.LaunchResult) {
	d.mu.Lock()
	rec, ok := d.launchers[id]
	if ok {
		rec.info.Running = true
		rec.info.URL = result.URL
		rec.info.ProcessID = result.ProcessID
	}
	d.mu.Unlock()
	if ok {
		d.note(id, rec.book.Info("host: started (url %q, pid %d)", result.URL, result.ProcessID))
	}
}

// MarkStopped records a stop and notes it in the logbook.
func (d *LauncherDirectory) MarkStopped(id string) {
	d.mu.Lock()
	rec, ok := d.launchers[id]
	if ok {
		rec.info.Running = false
		rec.info.URL = ""
		rec.info.ProcessID = 0
	}
	d.mu.Unlock()
	if ok {
		d.note(id, rec.book.Info("host: stopped"))
	}
}

// MarkFailed notes a failed start or stop in the logbook. The running
// state is left alone.
func (d *LauncherDirectory) MarkFailed(id, action string, cause error) {
	d.mu.RLock()
	rec, ok := d.launchers[id]
	d.mu.RUnlock()
	if ok {
		d.note(id, rec.book.Error("host: %s failed: %v", action, cause))
	}
}

func (d *LauncherDirectory) note(id string, err error) {
	if err != nil {
		d.logger.Warnw("hoststate: persist launcher note", "launcher", id, "error", err)
	}
}

// Get returns one launcher.
func (d *LauncherDirectory) Get(id string) (LauncherInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.launchers[id]
	if !ok {
		return LauncherInfo{}, false
	}
	return rec.info, true
}

// List returns every launcher sorted by id.
func (d *LauncherDirectory) List() []LauncherInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]LauncherInfo, 0, len(d.launchers))
	for _, rec := range d.launchers {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Tail returns the most recent persisted log lines of a launcher and the
// total line count.
func (d *LauncherDirectory) Tail(id string, maxLines int) ([]string, int, error) {
	d.mu.RLock()
	rec, ok := d.launchers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("hoststate: unknown launcher %s", id)
	}
	lines, total := rec.book.Tail(maxLines)
	return lines, total, nil
}

// Reset forgets every launcher. Log files stay on disk.
func (d *LauncherDirectory) Reset() {
	d.mu.Lock()
	d.launchers = map[string]*launcherRecord{}
	d.mu.Unlock()
}
