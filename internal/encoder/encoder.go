// Package encoder resizes raster images and encodes them to WebP or AVIF.
package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	_ "golang.org/x/image/webp"

	"imgconvert/internal/models"
)

// Output is one encoded rendition of a source image.
type Output struct {
	Format string
	Data   []byte
	Width  int
	Height int
}

type Encoder struct {
	avifSpeed int
}

func New() *Encoder {
	return &Encoder{avifSpeed: 8}
}

// Convert decodes src once and produces one output per target format in
// settings ("both" yields WebP and AVIF).
func (e *Encoder) Convert(ctx context.Context, src io.Reader, settings models.Settings) ([]Output, error) {
	const op = "encoder.Convert"

	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	img = Resize(img, settings)
	bounds := img.Bounds()

	formats := settings.Formats()
	outputs := make([]Output, 0, len(formats))
	for _, format := range formats {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		data, err := e.encode(img, format, settings.Quality)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", op, format, err)
		}
		outputs = append(outputs, Output{
			Format: format,
			Data:   data,
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		})
	}
	return outputs, nil
}

func (e *Encoder) encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case models.FormatWebP:
		if err := webp.Encode(&buf, img, webp.Options{Quality: quality}); err != nil {
			return nil, err
		}
	case models.FormatAVIF:
		if err := avif.Encode(&buf, img, avif.Options{Quality: quality, Speed: e.avifSpeed}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return buf.Bytes(), nil
}

// Resize applies the batch's dimension limits. "keep" fits inside the
// limits without upscaling, "crop" fills both limits and trims the
// overflow, "stretch" resizes to the limits ignoring the aspect ratio.
func Resize(img image.Image, s models.Settings) image.Image {
	w, h := s.MaxWidth, s.MaxHeight
	if w <= 0 && h <= 0 {
		return img
	}
	b := img.Bounds()

	switch s.AspectRatio {
	case models.AspectCrop:
		if w > 0 && h > 0 {
			return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
		}
	case models.AspectStretch:
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}

	if w <= 0 {
		w = b.Dx()
	}
	if h <= 0 {
		h = b.Dy()
	}
	if b.Dx() <= w && b.Dy() <= h {
		return img
	}
	return imaging.Fit(img, w, h, imaging.Lanczos)
}
