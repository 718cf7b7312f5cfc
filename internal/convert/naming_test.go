package convert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileName(t *testing.T) {
	cases := []struct {
		name      string
		suggested string
		keywords  []string
		original  string
		index     int
		want      string
	}{
		{"ai suggestion", "Red Running Shoes!", []string{"ignored"}, "a.jpg", 0, "red-running-shoes"},
		{"ai suggestion later image", "Red Running Shoes", nil, "a.jpg", 2, "red-running-shoes-03"},
		{"keywords", "", []string{"Summer", "Beach"}, "a.jpg", 0, "summer-beach"},
		{"keywords second image", "", []string{"summer"}, "a.jpg", 1, "summer-02"},
		{"original name", "", nil, "IMG_2041.JPG", 0, "img_2041"},
		{"nothing usable", "", nil, "", 0, "image"},
		{"nothing usable later", "!!!", []string{"???"}, "", 9, "image-10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FileName(tc.suggested, tc.keywords, tc.original, tc.index))
		})
	}
}

func TestFileNameIsBounded(t *testing.T) {
	long := strings.Repeat("very long product description ", 10)
	name := FileName(long, nil, "", 0)

	assert.LessOrEqual(t, len(name), maxNameLen)
	assert.False(t, strings.HasSuffix(name, "-"))
}
