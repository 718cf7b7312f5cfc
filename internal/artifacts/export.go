package artifacts

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"imgconvert/internal/models"
)

// Export writes a ZIP archive of every converted output of the batch to
// its export path and returns that path. Entries with the same file name
// get a numeric suffix.
func Export(ctx context.Context, store Store, batchID uuid.UUID, images []*models.ConvertedImage) (string, error) {
	const op = "artifacts.Export"

	var files []models.FileDescriptor
	for _, img := range images {
		if img.Status != models.StatusCompleted {
			continue
		}
		files = append(files, img.Outputs...)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%s: batch %s has no converted images: %w", op, batchID, ErrNotFound)
	}

	dst := ExportPath(batchID)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(ctx, store, pw, files))
	}()

	if err := store.Put(ctx, dst, pr, -1, "application/zip"); err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return dst, nil
}

func writeArchive(ctx context.Context, store Store, w io.Writer, files []models.FileDescriptor) error {
	zw := zip.NewWriter(w)
	used := make(map[string]int)

	for _, f := range files {
		name := uniqueName(used, path.Base(f.Path))
		if err := copyEntry(ctx, store, zw, name, f.Path); err != nil {
			return err
		}
	}
	return zw.Close()
}

func copyEntry(ctx context.Context, store Store, zw *zip.Writer, name, src string) error {
	r, err := store.Open(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()

	// Converted images are already compressed.
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, r)
	return err
}

func uniqueName(used map[string]int, name string) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + strconv.Itoa(n+1) + ext
}
