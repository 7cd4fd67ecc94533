package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
)

const (
	svSuffix       = ".sv"
	quarantineFile = "quarantine"
)

// FS stores snapshots on a local filesystem under
// {dir}/{urlencode(room)}/{urlencode(docid)}/{uuid}, with the state vector in
// a sibling {uuid}.sv file so RetrieveStateVector avoids a full doc read.
type FS struct {
	dir      string
	provider crdt.Provider
}

// NewFS creates the root directory if needed.
func NewFS(dir string, provider crdt.Provider) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FS{dir: dir, provider: provider}, nil
}

func (f *FS) docDir(room, docid string) string {
	return filepath.Join(f.dir, url.PathEscape(room), url.PathEscape(docid))
}

func (f *FS) PersistDoc(_ context.Context, room, docid string, state, stateVector []byte) (Reference, error) {
	dir := f.docDir(room, docid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create doc dir: %w", err)
	}

	name := uuid.NewString()
	if err := writeDurable(filepath.Join(dir, name+svSuffix), stateVector); err != nil {
		return "", err
	}
	if err := writeDurable(filepath.Join(dir, name), state); err != nil {
		return "", err
	}
	return Reference(name), nil
}

// writeDurable writes to a temp file, syncs, then renames into place so a
// crashed persist never leaves a readable partial snapshot.
func writeDurable(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (f *FS) RetrieveDoc(ctx context.Context, room, docid string) (*Doc, error) {
	dir := f.docDir(room, docid)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read doc dir: %w", err)
	}

	var states [][]byte
	var refs []Reference
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == quarantineFile ||
			strings.HasSuffix(name, svSuffix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", name, err)
		}
		states = append(states, blob)
		refs = append(refs, Reference(name))
	}
	if len(states) == 0 {
		return nil, nil
	}

	merged, err := f.provider.Merge(states)
	if err != nil {
		return nil, fmt.Errorf("merge snapshots for %s/%s: %w", room, docid, err)
	}
	sv, err := f.provider.StateVector(merged)
	if err != nil {
		return nil, fmt.Errorf("state vector for %s/%s: %w", room, docid, err)
	}
	return &Doc{Merged: merged, StateVector: sv, References: refs}, nil
}

func (f *FS) RetrieveStateVector(ctx context.Context, room, docid string) ([]byte, error) {
	dir := f.docDir(room, docid)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read doc dir: %w", err)
	}

	// Cheap path: a single live snapshot's sidecar is authoritative.
	var svFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), svSuffix) {
			svFiles = append(svFiles, entry.Name())
		}
	}
	if len(svFiles) == 1 {
		sv, err := os.ReadFile(filepath.Join(dir, svFiles[0]))
		if err != nil {
			return nil, fmt.Errorf("read state vector: %w", err)
		}
		return sv, nil
	}

	doc, err := f.RetrieveDoc(ctx, room, docid)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.StateVector, nil
}

func (f *FS) DeleteReferences(ctx context.Context, room, docid string, refs []Reference) error {
	dir := f.docDir(room, docid)
	if _, err := os.Stat(filepath.Join(dir, quarantineFile)); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrQuarantined, room, docid)
	}

	var failed []Reference
	for _, ref := range refs {
		name := filepath.Base(string(ref))
		for _, path := range []string{filepath.Join(dir, name), filepath.Join(dir, name+svSuffix)} {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logging.Warn(ctx, "failed to delete snapshot reference",
					zap.String("path", path), zap.Error(err))
				failed = append(failed, ref)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("delete references: %d of %d failed", len(failed), len(refs))
	}
	return nil
}

func (f *FS) Quarantine(_ context.Context, room, docid, reason string) error {
	dir := f.docDir(room, docid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create doc dir: %w", err)
	}
	return writeDurable(filepath.Join(dir, quarantineFile), []byte(reason))
}

func (f *FS) Destroy() error {
	return nil
}

var _ Storage = (*FS)(nil)
