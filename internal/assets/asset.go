// Package assets implements the content-addressed file model shared by
// tasks, simulations, and experiments: single assets, collections with
// uniqueness and freeze semantics, and composable directory-scan filters.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
)

// hashChunkSize is the read size used when fingerprinting large files.
const hashChunkSize = 1 << 20

// Source describes where an asset's bytes come from.
type Source int

const (
	// SourceInline assets carry their bytes in memory.
	SourceInline Source = iota
	// SourceLocalPath assets read their bytes from the local filesystem on
	// first use.
	SourceLocalPath
	// SourceRemote assets reference bytes already present on a back-end,
	// identified by a checksum the back-end supplied.
	SourceRemote
	// SourceGenerator assets produce their bytes through a callback at
	// materialization time.
	SourceGenerator
)

// Asset is one logical file attached to a task, simulation, or experiment.
type Asset struct {
	Filename     string
	RelativePath string

	source    Source
	content   []byte
	localPath string
	remoteRef string
	generate  func() ([]byte, error)

	hashOnce sync.Once
	hash     string
	hashErr  error
}

// NewInlineAsset creates an asset from in-memory bytes.
func NewInlineAsset(filename, relativePath string, content []byte) *Asset {
	return &Asset{
		Filename:     filename,
		RelativePath: relativePath,
		source:       SourceInline,
		content:      content,
	}
}

// NewFileAsset creates an asset backed by a local file. The filename defaults
// to the base name of the path.
func NewFileAsset(localPath, relativePath string) *Asset {
	return &Asset{
		Filename:     path.Base(localPath),
		RelativePath: relativePath,
		source:       SourceLocalPath,
		localPath:    localPath,
	}
}

// NewRemoteAsset creates an asset that already lives on a back-end. The
// checksum is adopted as the asset's content hash; the bytes are only
// reachable through the owning platform.
func NewRemoteAsset(filename, relativePath, remoteRef, checksum string) *Asset {
	a := &Asset{
		Filename:     filename,
		RelativePath: relativePath,
		source:       SourceRemote,
		remoteRef:    remoteRef,
	}
	a.hashOnce.Do(func() { a.hash = checksum })
	return a
}

// NewGeneratedAsset creates an asset whose bytes are produced by a callback.
// The callback runs at most once; its output is cached.
func NewGeneratedAsset(filename, relativePath string, generate func() ([]byte, error)) *Asset {
	return &Asset{
		Filename:     filename,
		RelativePath: relativePath,
		source:       SourceGenerator,
		generate:     generate,
	}
}

// Source returns where this asset's bytes come from.
func (a *Asset) Source() Source {
	return a.source
}

// RemoteRef returns the back-end reference for remote assets.
func (a *Asset) RemoteRef() string {
	return a.remoteRef
}

// Key returns the collection uniqueness key: relative path joined with the
// filename.
func (a *Asset) Key() string {
	return path.Join(a.RelativePath, a.Filename)
}

// Bytes materializes the asset content. Remote assets have no local bytes
// and return an error; their content is fetched through the platform.
func (a *Asset) Bytes() ([]byte, error) {
	switch a.source {
	case SourceInline:
		return a.content, nil
	case SourceLocalPath:
		data, err := os.ReadFile(a.localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read asset %s: %w", a.localPath, err)
		}
		return data, nil
	case SourceGenerator:
		if err := a.materializeGenerated(); err != nil {
			return nil, err
		}
		return a.content, nil
	default:
		return nil, fmt.Errorf("remote asset %s has no local content", a.Key())
	}
}

func (a *Asset) materializeGenerated() error {
	if a.content != nil {
		return nil
	}
	data, err := a.generate()
	if err != nil {
		return fmt.Errorf("asset generator for %s: %w", a.Key(), err)
	}
	a.content = data
	return nil
}

// Checksum returns the sha256 hex digest of the asset content. It is
// computed lazily on first call and memoized; local files are hashed in
// chunks without loading them fully into memory.
func (a *Asset) Checksum() (string, error) {
	a.hashOnce.Do(func() {
		switch a.source {
		case SourceInline:
			sum := sha256.Sum256(a.content)
			a.hash = hex.EncodeToString(sum[:])
		case SourceLocalPath:
			a.hash, a.hashErr = hashFile(a.localPath)
		case SourceGenerator:
			if a.hashErr = a.materializeGenerated(); a.hashErr == nil {
				sum := sha256.Sum256(a.content)
				a.hash = hex.EncodeToString(sum[:])
			}
		}
	})
	return a.hash, a.hashErr
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("failed to open asset %s: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash asset %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Size returns the content size in bytes, or -1 when it is unknown without
// materializing (remote assets).
func (a *Asset) Size() int64 {
	switch a.source {
	case SourceInline:
		return int64(len(a.content))
	case SourceLocalPath:
		info, err := os.Stat(a.localPath)
		if err != nil {
			return -1
		}
		return info.Size()
	case SourceGenerator:
		if a.content != nil {
			return int64(len(a.content))
		}
		return -1
	default:
		return -1
	}
}
