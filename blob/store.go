// Package blob persists receipt attachments on the filesystem and hands back
// stable storage links for the ledger. Content addressing makes re-ingesting
// the same attachment idempotent.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes attachment blobs under a root directory.
type Store struct {
	root string
}

// NewStore ensures the root directory exists.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: root directory not configured")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put stores data under the pledge's directory and returns the storage link.
// The link embeds the content hash, so the same bytes always map to the same
// link regardless of how many times ingestion runs.
func (s *Store) Put(pledgeID, filename string, data []byte) (string, error) {
	if pledgeID == "" {
		return "", fmt.Errorf("blob: pledge id required")
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	name := digest[:16] + "-" + sanitizeFilename(filename)
	dir := filepath.Join(s.root, pledgeID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("blob: create pledge dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return s.link(pledgeID, name), nil
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("blob: write attachment: %w", err)
	}
	return s.link(pledgeID, name), nil
}

// Get reads a blob back by its storage link.
func (s *Store) Get(link string) ([]byte, error) {
	rel, ok := strings.CutPrefix(link, "blob://")
	if !ok {
		return nil, fmt.Errorf("blob: unrecognised link %q", link)
	}
	rel = filepath.Clean(rel)
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return nil, fmt.Errorf("blob: link escapes store root: %q", link)
	}
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		return nil, fmt.Errorf("blob: read %q: %w", link, err)
	}
	return data, nil
}

func (s *Store) link(pledgeID, name string) string {
	return "blob://" + pledgeID + "/" + name
}

func sanitizeFilename(name string) string {
	name = strings.ToLower(strings.TrimSpace(filepath.Base(name)))
	if name == "" || name == "." {
		return "attachment"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
