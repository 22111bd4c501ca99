// Package session keeps per-tenant credential directories on the local
// filesystem. A tenant "has a session" when its directory exists.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const storeDirMode = 0o700

// ErrInvalidTenantID is returned for identifiers that cannot name a directory.
var ErrInvalidTenantID = errors.New("invalid tenant id")

// Store keeps one credential directory per tenant under a root directory.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a Store rooted at root. The directory is created lazily.
func NewStore(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

func (s *Store) Root() string {
	return s.root
}

// ResolvePath returns the tenant's credential directory, creating it (and
// the store root) when missing.
func (s *Store) ResolvePath(tenantID string) (string, error) {
	path, err := s.pathFor(tenantID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(path, storeDirMode); err != nil {
		return "", fmt.Errorf("create session directory %q: %w", tenantID, err)
	}
	return path, nil
}

func (s *Store) Exists(tenantID string) bool {
	path, err := s.pathFor(tenantID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Destroy removes the tenant's credentials. Missing directories are not an error.
func (s *Store) Destroy(tenantID string) error {
	path, err := s.pathFor(tenantID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove session directory %q: %w", tenantID, err)
	}
	return nil
}

// ListTenants returns the tenants that have a credential directory, sorted.
func (s *Store) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	tenants := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateTenantID(entry.Name()) != nil {
			continue
		}
		tenants = append(tenants, entry.Name())
	}
	sort.Strings(tenants)
	return tenants, nil
}

func ValidateTenantID(tenantID string) error {
	trimmed := strings.TrimSpace(tenantID)
	if trimmed == "" || trimmed != tenantID {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	if tenantID == "." || tenantID == ".." || strings.ContainsAny(tenantID, `/\`) || strings.ContainsRune(tenantID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return nil
}

func (s *Store) pathFor(tenantID string) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, tenantID), nil
}
