// Package daemon assembles and runs the monoco server: watchers, bus,
// router, scheduler, hook engine, transition core, mailbox courier, stats
// index, tracing, and the HTTP surface, all rooted in one project
// directory. The PID file under .monoco/run/ makes the instance
// discoverable to the CLI.
package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
)

// PIDRecord is the on-disk daemon identity.
type PIDRecord struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// Alive reports whether the recorded process still exists.
func (r *PIDRecord) Alive() bool {
	return r != nil && r.PID > 0 && pidAlive(r.PID)
}

// ReadPIDFile loads the record; a missing file is a NotFound fault.
func ReadPIDFile(path string) (*PIDRecord, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: pid file under .monoco/run
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.NotFound, "no pid file at %s", path)
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", path)
	}
	var rec PIDRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fault.Wrapf(fault.Validation, err, "malformed pid file %s", path)
	}
	return &rec, nil
}

// WritePIDFile persists the record atomically.
func WritePIDFile(path string, rec PIDRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "encoding pid record")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrapf(fault.TransientIO, err, "creating %s", dir)
	}
	return fault.RetryIO("pid file write", func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: discoverable by design
			return err
		}
		return os.Rename(tmp, path)
	})
}

// StopProcess stops the recorded daemon: SIGTERM, poll until wait expires,
// then SIGKILL. The pid file is removed once the process is gone.
func StopProcess(path string, rec *PIDRecord, wait time.Duration) error {
	if !rec.Alive() {
		return RemovePIDFile(path)
	}
	if err := terminate(rec.PID); err != nil {
		return fault.Wrapf(fault.TransientIO, err, "signaling pid %d", rec.PID)
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !pidAlive(rec.PID) {
			return RemovePIDFile(path)
		}
		time.Sleep(200 * time.Millisecond)
	}
	_ = kill(rec.PID)
	return RemovePIDFile(path)
}

// RemovePIDFile deletes the record; already-gone is fine.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fault.Wrapf(fault.TransientIO, err, "removing %s", path)
	}
	return nil
}
