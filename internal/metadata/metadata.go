// Package metadata produces SEO text for converted images.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

var ErrGenerationFailed = errors.New("metadata generation failed")

type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

type Result struct {
	AltText           string `json:"alt_text"`
	Title             string `json:"title"`
	MetaDescription   string `json:"meta_description"`
	SuggestedFilename string `json:"filename"`
}

type Generator interface {
	Analyze(ctx context.Context, img Image, keywords []string) (Result, error)
	IsConfigured() bool
}

// Heuristic builds metadata from the batch keywords alone. The index
// rotates which keyword leads so images in one batch differ.
func Heuristic(keywords []string, originalName string, index int) Result {
	words := cleanKeywords(keywords)
	if len(words) == 0 {
		stem := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
		stem = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(stem)
		words = cleanKeywords([]string{stem})
	}
	if len(words) == 0 {
		words = []string{"image"}
	}

	lead := index % len(words)
	ordered := append(append([]string{}, words[lead:]...), words[:lead]...)
	if len(ordered) > 3 {
		ordered = ordered[:3]
	}
	subject := strings.Join(ordered, " ")

	title := titleCase(subject)
	if index > 0 {
		title = fmt.Sprintf("%s %d", title, index+1)
	}

	return Result{
		AltText:         capitalize(subject) + " photo",
		Title:           title,
		MetaDescription: fmt.Sprintf("High quality %s image optimized for the web.", subject),
	}
}

func cleanKeywords(keywords []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, k := range keywords {
		k = strings.ToLower(strings.Join(strings.Fields(k), " "))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func capitalize(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return s
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}
