package convert

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
)

const maxNameLen = 60

// FileName picks the base name (no extension) of an image's outputs. An
// AI suggestion wins; otherwise the batch keywords, then the original file
// name. Every image after the first gets its zero-padded ordinal appended
// so names stay unique within a batch.
func FileName(suggested string, keywords []string, original string, index int) string {
	base := shorten(slug.Make(suggested))
	if base == "" {
		base = shorten(slug.Make(strings.Join(keywords, " ")))
	}
	if base == "" {
		base = shorten(slug.Make(strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))))
	}
	if base == "" {
		base = "image"
	}
	if index > 0 {
		return fmt.Sprintf("%s-%02d", base, index+1)
	}
	return base
}

func shorten(s string) string {
	if len(s) <= maxNameLen {
		return s
	}
	s = s[:maxNameLen]
	if i := strings.LastIndexByte(s, '-'); i > 0 {
		s = s[:i]
	}
	return strings.Trim(s, "-")
}
