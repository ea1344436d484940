package local

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StatusFilename is the per-simulation status file the driver maintains.
const StatusFilename = "status.json"

// Native states written to status files. They are translated onto the
// canonical machine through the driver's status map.
const (
	nativeCreated   = "created"
	nativeQueued    = "queued"
	nativeRunning   = "running"
	nativeSucceeded = "succeeded"
	nativeFailed    = "failed"
	nativeCancelled = "cancelled"
	nativeTimeout   = "timeout"
)

// StatusFile is the on-disk execution record of one simulation. It is always
// written atomically (write to temp, rename), so a polling reader never
// observes a partial document.
type StatusFile struct {
	Status    string                 `json:"status"`
	JobID     string                 `json:"job_id,omitempty"`
	PID       int                    `json:"pid,omitempty"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	ExitCode  *int                   `json:"exit_code,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// writeStatusFile publishes the record into dir atomically.
func writeStatusFile(dir string, sf StatusFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create status temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close status temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, StatusFilename)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish status file: %w", err)
	}
	return nil
}

// readStatusFile loads the record from dir.
func readStatusFile(dir string) (StatusFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFilename))
	if err != nil {
		return StatusFile{}, err
	}
	var sf StatusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return StatusFile{}, fmt.Errorf("failed to decode status file in %s: %w", dir, err)
	}
	return sf, nil
}
