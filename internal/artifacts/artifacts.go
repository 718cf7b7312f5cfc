// Package artifacts stores batch files: uploaded originals, converted
// outputs and export archives. Every path lives under the directory of
// exactly one batch.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("artifact not found")

type Store interface {
	Put(ctx context.Context, p string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	Exists(ctx context.Context, p string) (bool, error)
	// Delete removes one file. A missing file is not an error.
	Delete(ctx context.Context, p string) error
	// DeleteDir removes everything under the prefix.
	DeleteDir(ctx context.Context, prefix string) error
}

func BatchDir(batchID uuid.UUID) string {
	return path.Join("batches", batchID.String())
}

func OriginalPath(batchID, imageID uuid.UUID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(BatchDir(batchID), "original", imageID.String()+strings.ToLower(ext))
}

// ConvertedPath keeps every image's outputs in their own directory, so two
// images that end up with the same SEO file name never share a file.
func ConvertedPath(batchID, imageID uuid.UUID, name, format string) string {
	return path.Join(BatchDir(batchID), "converted", imageID.String(), name+"."+format)
}

func ExportPath(batchID uuid.UUID) string {
	return path.Join(BatchDir(batchID), "export", batchID.String()+".zip")
}

// clean normalizes a logical path and rejects anything that would leave
// the store root.
func clean(p string) (string, error) {
	c := path.Clean("/" + p)
	c = strings.TrimPrefix(c, "/")
	if c == "" || c == "." {
		return "", fmt.Errorf("invalid artifact path %q", p)
	}
	return c, nil
}
