package entity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// MetadataFilename is the JSON sidecar written into each entity directory.
// It is what allows a coordinator restart to reconstruct the entity graph.
const MetadataFilename = "metadata.json"

// Metadata is the persisted form of an entity's identity.
type Metadata struct {
	ID        string    `json:"id"`
	NativeID  string    `json:"native_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Status    Status    `json:"status"`
	Tags      tags.Tags `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// snapshot captures the common fields of a Core.
func snapshot(c *Core, kind Kind, parentID string) Metadata {
	return Metadata{
		ID:        c.ID(),
		NativeID:  c.NativeID(),
		Kind:      kind,
		Name:      c.Name(),
		ParentID:  parentID,
		Status:    c.Status(),
		Tags:      c.Tags().Clone(),
		CreatedAt: c.CreatedAt,
	}
}

// MetadataOf returns the persisted form of any entity.
func MetadataOf(e interface{}) (Metadata, error) {
	switch v := e.(type) {
	case *Suite:
		m := snapshot(&v.Core, KindSuite, "")
		m.Status = v.Status()
		return m, nil
	case *Experiment:
		m := snapshot(&v.Core, KindExperiment, v.SuiteID())
		m.Status = v.Status()
		return m, nil
	case *Simulation:
		return snapshot(&v.Core, KindSimulation, v.ParentID()), nil
	case *WorkItem:
		return snapshot(&v.Core, KindWorkItem, ""), nil
	default:
		return Metadata{}, fmt.Errorf("unsupported entity type %T", e)
	}
}

// WriteMetadata writes the sidecar into dir atomically (write to a temp file
// in the same directory, then rename), so a concurrent reader never observes
// a partial document.
func WriteMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for %s: %w", m.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close metadata temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MetadataFilename)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar from dir. Tag values are normalized on
// ingress.
func ReadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata in %s: %w", dir, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode metadata in %s: %w", dir, err)
	}
	m.Tags = tags.Normalize(m.Tags)
	return m, nil
}

// RestoreCore applies persisted metadata onto a Core, bypassing transition
// checks. Used when reconstructing entities after a restart.
func RestoreCore(c *Core, m Metadata) {
	c.SetID(m.ID)
	if m.NativeID != "" {
		c.SetNativeID(m.NativeID)
	}
	c.SetName(m.Name)
	c.MergeTags(m.Tags)
	c.forceStatus(m.Status)
	c.CreatedAt = m.CreatedAt
}
