package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
)

// Collection is an unordered set of assets unique by (relative path,
// filename). Once the owning entity leaves the CREATED state the collection
// is frozen and every mutating call fails with errs.ErrFrozenCollection.
//
// Reads are safe for concurrent use; the checksum cache inside each asset is
// append-only.
type Collection struct {
	mu     sync.RWMutex
	byKey  map[string]*Asset
	frozen bool
}

// NewCollection returns an empty, unfrozen collection.
func NewCollection() *Collection {
	return &Collection{byKey: make(map[string]*Asset)}
}

// Add inserts an asset. Adding a second asset with the same relative path
// and filename fails with errs.ErrDuplicateAsset; duplicate content hashes
// are allowed and may be deduplicated by the platform on upload.
func (c *Collection) Add(a *Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return fmt.Errorf("add %s: %w", a.Key(), errs.ErrFrozenCollection)
	}
	key := a.Key()
	if _, exists := c.byKey[key]; exists {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateAsset, key)
	}
	c.byKey[key] = a
	return nil
}

// Put inserts an asset, replacing any existing asset under the same relative
// path and filename. Rendered artifacts use it so re-rendering before a rerun
// swaps the stale file instead of colliding with it.
func (c *Collection) Put(a *Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return fmt.Errorf("put %s: %w", a.Key(), errs.ErrFrozenCollection)
	}
	c.byKey[a.Key()] = a
	return nil
}

// AddDirectory walks root and adds each regular file as a local-path asset,
// keeping paths relative to root. Files rejected by the filter set are
// skipped. When recursive is false only the top level is scanned.
func (c *Collection) AddDirectory(root string, recursive bool, filters *FilterSet) error {
	root = filepath.Clean(root)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, filepath.Dir(p))
		if err != nil {
			return err
		}
		if rel == "." {
			rel = ""
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !filters.Accepts(FilterInput{Filename: d.Name(), RelativePath: rel, Size: info.Size()}) {
			return nil
		}
		return c.Add(NewFileAsset(p, rel))
	})
}

// Iterate returns the assets sorted by key. The slice is a copy; mutating it
// does not affect the collection.
func (c *Collection) Iterate() []*Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Asset, 0, len(c.byKey))
	for _, a := range c.byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Get returns the asset stored under (relativePath, filename), or nil.
func (c *Collection) Get(relativePath, filename string) *Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byKey[(&Asset{Filename: filename, RelativePath: relativePath}).Key()]
}

// Len returns the number of assets.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// Remove deletes the asset under (relativePath, filename), if present.
func (c *Collection) Remove(relativePath, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("remove: %w", errs.ErrFrozenCollection)
	}
	delete(c.byKey, (&Asset{Filename: filename, RelativePath: relativePath}).Key())
	return nil
}

// Freeze makes the collection read-only. Freezing twice is a no-op.
func (c *Collection) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// Unfreeze re-opens the collection for mutation. Only the rerun path uses
// this, when a failed simulation's task is patched before resubmission.
func (c *Collection) Unfreeze() {
	c.mu.Lock()
	c.frozen = false
	c.mu.Unlock()
}

// Frozen reports whether the collection is read-only.
func (c *Collection) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Fingerprint hashes the canonically sorted sequence of
// (relative path, filename, content hash) triples. It is invariant under
// add order and stable across processes.
func (c *Collection) Fingerprint() (string, error) {
	h := sha256.New()
	for _, a := range c.Iterate() {
		sum, err := a.Checksum()
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", a.Key(), err)
		}
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", a.RelativePath, a.Filename, sum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Clone returns an unfrozen collection sharing the same (immutable) asset
// references.
func (c *Collection) Clone() *Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := NewCollection()
	for k, a := range c.byKey {
		out.byKey[k] = a
	}
	return out
}

// WriteTo materializes every local asset beneath dir, creating relative-path
// subdirectories as needed. Remote assets are skipped; their bytes live on
// the back-end.
func (c *Collection) WriteTo(dir string) error {
	for _, a := range c.Iterate() {
		if a.Source() == SourceRemote {
			continue
		}
		data, err := a.Bytes()
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(a.RelativePath))
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("failed to create asset directory %s: %w", target, err)
		}
		if err := os.WriteFile(filepath.Join(target, a.Filename), data, 0644); err != nil {
			return fmt.Errorf("failed to write asset %s: %w", a.Key(), err)
		}
	}
	return nil
}
