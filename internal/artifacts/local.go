package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local keeps artifacts on the filesystem under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	const op = "artifacts.NewLocal"

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) resolve(p string) (string, error) {
	c, err := clean(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(c)), nil
}

// Put writes through a temporary file and renames it into place so a
// reader never sees a partial file.
func (l *Local) Put(_ context.Context, p string, r io.Reader, _ int64, _ string) error {
	const op = "artifacts.Local.Put"

	full, err := l.resolve(p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (l *Local) Open(_ context.Context, p string) (io.ReadCloser, error) {
	const op = "artifacts.Local.Open"

	full, err := l.resolve(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %s: %w", op, p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return f, nil
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	const op = "artifacts.Local.Exists"

	full, err := l.resolve(p)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err = os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (l *Local) Delete(_ context.Context, p string) error {
	const op = "artifacts.Local.Delete"

	full, err := l.resolve(p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (l *Local) DeleteDir(_ context.Context, prefix string) error {
	const op = "artifacts.Local.DeleteDir"

	full, err := l.resolve(prefix)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
