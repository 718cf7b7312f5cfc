package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgconvert/internal/models"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return l
}

func put(t *testing.T, s Store, p, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), p, strings.NewReader(body), int64(len(body)), "text/plain"))
}

func TestPaths(t *testing.T) {
	b := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	i := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, "batches/"+b.String()+"/original/"+i.String()+".jpg", OriginalPath(b, i, "JPG"))
	assert.Equal(t, "batches/"+b.String()+"/converted/"+i.String()+"/red-shoes.webp", ConvertedPath(b, i, "red-shoes", "webp"))
	assert.NotEqual(t, ConvertedPath(b, i, "red-shoes", "webp"), ConvertedPath(b, uuid.New(), "red-shoes", "webp"))
	assert.Equal(t, "batches/"+b.String()+"/export/"+b.String()+".zip", ExportPath(b))
}

func TestLocalRoundTrip(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()

	put(t, l, "batches/a/original/x.png", "pixels")

	ok, err := l.Exists(ctx, "batches/a/original/x.png")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := l.Open(ctx, "batches/a/original/x.png")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "pixels", string(body))

	require.NoError(t, l.Delete(ctx, "batches/a/original/x.png"))
	require.NoError(t, l.Delete(ctx, "batches/a/original/x.png"))

	_, err = l.Open(ctx, "batches/a/original/x.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(filepath.Join(root, "store"))
	require.NoError(t, err)

	put(t, l, "../../escape.txt", "x")

	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	ok, err := l.Exists(context.Background(), "escape.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalDeleteDir(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	id := uuid.New()

	put(t, l, OriginalPath(id, uuid.New(), ".png"), "a")
	img := uuid.New()
	put(t, l, ConvertedPath(id, img, "a", "webp"), "b")

	require.NoError(t, l.DeleteDir(ctx, BatchDir(id)))

	ok, err := l.Exists(ctx, ConvertedPath(id, img, "a", "webp"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExport(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	id := uuid.New()
	first, second := uuid.New(), uuid.New()

	put(t, l, ConvertedPath(id, first, "shoe", "webp"), "webp-bytes")
	put(t, l, ConvertedPath(id, first, "shoe", "avif"), "avif-bytes")
	put(t, l, ConvertedPath(id, second, "shoe", "webp"), "other-webp-bytes")

	images := []*models.ConvertedImage{
		{Status: models.StatusCompleted, Outputs: []models.FileDescriptor{
			{Path: ConvertedPath(id, first, "shoe", "webp")},
			{Path: ConvertedPath(id, first, "shoe", "avif")},
		}},
		{Status: models.StatusFailed, ErrorMessage: "x"},
		{Status: models.StatusCompleted, Outputs: []models.FileDescriptor{
			{Path: ConvertedPath(id, second, "shoe", "webp")},
		}},
	}

	dst, err := Export(ctx, l, id, images)
	require.NoError(t, err)
	assert.Equal(t, ExportPath(id), dst)

	r, err := l.Open(ctx, dst)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"shoe.webp", "shoe.avif", "shoe-2.webp"}, names)
}

func TestExportWithoutOutputs(t *testing.T) {
	_, err := Export(context.Background(), newLocal(t), uuid.New(), []*models.ConvertedImage{{Status: models.StatusFailed}})
	assert.ErrorIs(t, err, ErrNotFound)
}
