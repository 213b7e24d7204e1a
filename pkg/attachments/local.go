package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	dir string
}

// NewLocalStore creates a Store that keeps blobs as files under dir.
func NewLocalStore(log logrus.FieldLogger, dir string) (Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	return &localStore{
		log: log.WithField("component", "attachments-local"),
		dir: abs,
	}, nil
}

func (s *localStore) path(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

func (s *localStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", key, err)
	}

	// Write to a temp file first so readers never see partial content.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("renaming %s: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Stored attachment")

	return nil
}

func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // key is validated
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}

		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	return data, nil
}

func (s *localStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	return nil
}
