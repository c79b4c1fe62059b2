// Package statuslog writes the daily CSV-style status log deployment_server.py
// appends to alongside its database updates (spec.md §6.4): one line per
// client status report, rolled over to a new file at each UTC day boundary.
package statuslog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const osAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// Writer appends status lines to logsDir/deployment_YYYYMMDD.log. It is
// safe for concurrent use; afero.Fs lets tests swap in an in-memory
// filesystem instead of touching disk.
type Writer struct {
	fs      afero.Fs
	logsDir string
	mu      sync.Mutex
}

// New builds a Writer rooted at logsDir.
func New(fs afero.Fs, logsDir string) *Writer {
	return &Writer{fs: fs, logsDir: logsDir}
}

// Append writes one line: ISO timestamp, client IP, hostname, serial,
// status, matching the original's comma-joined record.
func (w *Writer) Append(clientIP, hostname, serial, status string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	name := fmt.Sprintf("deployment_%s.log", now.Format("20060102"))
	path := filepath.Join(w.logsDir, name)

	f, err := w.fs.OpenFile(path, osAppendFlags, 0o644)
	if err != nil {
		return fmt.Errorf("open status log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s,%s,%s,%s,%s\n", now.Format(time.RFC3339), clientIP, hostname, serial, status)
	_, err = f.WriteString(line)
	return err
}
