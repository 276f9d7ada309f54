package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

// Uploader stores validator details and dispute evidence blobs. The returned
// URI carries the keccak digest of the stored bytes as its fragment.
type Uploader interface {
	UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
	// Delete removes an object; a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error
}

type localUploader struct {
	rootDir string
}

func NewLocalUploader(rootDir string) Uploader {
	return &localUploader{rootDir: rootDir}
}

// EvidencePath is the object path for a blob attached to a request.
func EvidencePath(requestHash domain.Hash, name string) string {
	return fmt.Sprintf("evidence/%s/%s", requestHash.String(), name)
}

func (u *localUploader) resolve(objectPath string) (string, error) {
	clean := filepath.Clean("/" + objectPath)
	if strings.Contains(objectPath, "..") || clean == "/" {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	return filepath.Join(u.rootDir, clean), nil
}

func (u *localUploader) UploadBytes(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := u.resolve(objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}

	// Write beside the target and rename so readers never see a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return "file://" + abs + "#keccak256=" + domain.Keccak256(data).String(), nil
}

func (u *localUploader) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := u.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", objectPath, err)
	}
	return nil
}
