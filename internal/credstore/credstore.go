// Package credstore keeps per-tenant credentials on the local filesystem:
// SESSION_STORE/<tenant>/creds.bin next to the wire client's session.db.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"your.org/wa-tenant-sessions/internal/wire"
)

const credsFile = "creds.bin"

var errBadTenant = errors.New("invalid tenant id")

// FileStore is safe for concurrent use across tenants.  Writes for a single
// tenant are atomic: a crash mid-write leaves the previous blob intact.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("credstore: empty root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Path returns the directory that holds everything stored for tenantID.
func (s *FileStore) Path(tenantID string) string {
	return filepath.Join(s.root, tenantID)
}

func (s *FileStore) dir(tenantID string) (string, error) {
	id := strings.TrimSpace(tenantID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", errBadTenant, tenantID)
	}
	return s.Path(id), nil
}

func (s *FileStore) Load(_ context.Context, tenantID string) (wire.Credentials, bool, error) {
	dir, err := s.dir(tenantID)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(filepath.Join(dir, credsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read credentials: %w", err)
	}
	return wire.Credentials(b), true, nil
}

// Save writes creds to a temp file, syncs it and renames it over the
// previous blob.
func (s *FileStore) Save(_ context.Context, tenantID string, creds wire.Credentials) error {
	dir, err := s.dir(tenantID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir tenant dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, credsFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(creds); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, credsFile)); err != nil {
		return fmt.Errorf("rename credentials: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Delete removes the whole tenant directory, wire session database
// included.  Deleting an absent tenant is not an error.
func (s *FileStore) Delete(_ context.Context, tenantID string) error {
	dir, err := s.dir(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// List returns the tenants that have a credentials blob, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.root, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), credsFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
