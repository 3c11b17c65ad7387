package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

const tmpFileMarker = ".tmp-"

// LocalBlobStore stores dataset files under <Root>/<userID>/<storedName>.
type LocalBlobStore struct {
	Root string
}

// NewLocalBlobStore resolves root to an absolute path.
func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir %s: %w", root, err)
	}
	return &LocalBlobStore{Root: abs}, nil
}

// ValidateUserID rejects ids that are not a single safe path segment.
func ValidateUserID(userID string) error {
	if userID == "" || userID == "." || userID == ".." || strings.HasPrefix(userID, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	for _, r := range userID {
		if r == '/' || r == '\\' || r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
		}
	}
	return nil
}

func (l *LocalBlobStore) UserDir(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, userID), nil
}

// Write streams r into <Root>/<userID>/<fileName>. The content lands in a
// temp file first and is published with a hard link, so the final name is
// either absent or complete, and an existing name is never overwritten.
func (l *LocalBlobStore) Write(ctx context.Context, userID, fileName string, r io.Reader) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := l.UserDir(userID)
	if err != nil {
		return nil, err
	}
	if fileName == "" || fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return nil, fmt.Errorf("write blob: invalid file name %q", fileName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create user dir %s: %w", dir, err)
	}

	dest := filepath.Join(dir, fileName)
	tmp := fmt.Sprintf("%s%s%d", dest, tmpFileMarker, time.Now().UnixNano())
	size, err := writeFileSync(ctx, tmp, r)
	defer os.Remove(tmp)
	if err != nil {
		return nil, fmt.Errorf("write blob %s: %w", dest, err)
	}

	if err := os.Link(tmp, dest); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobExists, dest)
		}
		return nil, fmt.Errorf("publish blob %s: %w", dest, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat blob %s: %w", dest, err)
	}
	return &BlobObjectInfo{
		Path:      dest,
		Name:      fileName,
		UpdatedAt: info.ModTime().UTC(),
		Size:      size,
	}, nil
}

// Exists reports whether path is a regular file. Any error reads as absent.
func (l *LocalBlobStore) Exists(ctx context.Context, path string) bool {
	if ctx.Err() != nil || path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (l *LocalBlobStore) Stat(ctx context.Context, path string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
		}
		return nil, fmt.Errorf("stat blob %s: %w", path, err)
	}
	return &BlobObjectInfo{
		Path:      path,
		Name:      filepath.Base(path),
		UpdatedAt: info.ModTime().UTC(),
		Size:      info.Size(),
	}, nil
}

// Delete removes path. A missing file is not an error.
func (l *LocalBlobStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "" {
		return nil
	}

	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ListUserDirectories returns the top-level user directories, skipping hidden
// entries and plain files. A missing root yields an empty list.
func (l *LocalBlobStore) ListUserDirectories(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list user dirs %s: %w", l.Root, err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || ValidateUserID(e.Name()) != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// ListUserFiles returns the regular file names in one user directory,
// skipping hidden entries and in-flight temp files.
func (l *LocalBlobStore) ListUserFiles(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := l.UserDir(userID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list user files %s: %w", dir, err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.Contains(name, tmpFileMarker) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func writeFileSync(ctx context.Context, dest string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, contextReader{ctx: ctx, r: r})
	if err != nil {
		return n, err
	}
	return n, out.Sync()
}

// contextReader stops a long copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
