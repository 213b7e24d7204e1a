// Package attachments stores blobs produced or consumed by AutoTest runs:
// submission archives, fixtures and step attachments such as JUnit reports.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("attachment not found")

// Store reads and writes blobs by key. Keys use "/" as separator.
type Store interface {
	// Put writes data under key, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error
	// Get reads the content stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// New creates the backend selected by cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "local", "":
		return NewLocalStore(log, cfg.Local.Dir)
	case "s3":
		return NewS3Store(log, &cfg.S3), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// StepAttachmentKey is the key of the attachment of a step result.
func StepAttachmentKey(resultID, stepID uint) string {
	return fmt.Sprintf("results/%d/steps/%d/attachment", resultID, stepID)
}

// FixtureKey is the key of a fixture file of an AutoTest.
func FixtureKey(autoTestID uint, name string) string {
	return fmt.Sprintf("autotests/%d/fixtures/%s", autoTestID, name)
}

// SubmissionArchiveKey is the key of an uploaded submission archive.
func SubmissionArchiveKey(assignmentID uint, id string) string {
	return fmt.Sprintf("submissions/%d/%s.tar", assignmentID, id)
}

// validKey rejects keys that could escape the store root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid attachment key %q", key)
	}

	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid attachment key %q", key)
		}
	}

	return nil
}
