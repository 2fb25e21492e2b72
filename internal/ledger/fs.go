package ledger

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// FilesystemStore keeps one file per key under a root directory.
type FilesystemStore struct {
	root string
}

// NewFilesystem returns a filesystem ledger rooted at root, creating it if needed.
func NewFilesystem(root string) (*FilesystemStore, error) {
	if root == "" {
		root = "./rebuild-ops"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create ledger root %s", root)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) Driver() Driver { return DriverFilesystem }

// Root returns the directory records are written to.
func (s *FilesystemStore) Root() string { return s.root }

// sanitizeKey keeps keys inside the root.
func sanitizeKey(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if strings.Contains(key, "..") {
		return "", errors.New("invalid key contains '..'")
	}
	if strings.HasPrefix(key, "/") {
		return "", errors.New("invalid absolute key")
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *FilesystemStore) Put(_ context.Context, key string, data []byte) error {
	k, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create ledger dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp record")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "write temp record")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp record")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "replace record %s", k)
	}
	return nil
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.root, k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrNotFound, k)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read record %s", k)
	}
	return b, nil
}

func (s *FilesystemStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list ledger")
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FilesystemStore) Close() error { return nil }
