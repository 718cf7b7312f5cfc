package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgconvert/internal/models"
)

func TestHeuristicIsDeterministic(t *testing.T) {
	a := Heuristic([]string{"Red", "running shoes", "red"}, "IMG_001.jpg", 0)
	b := Heuristic([]string{"Red", "running shoes", "red"}, "IMG_001.jpg", 0)

	assert.Equal(t, a, b)
	assert.Equal(t, "Red running shoes photo", a.AltText)
	assert.Equal(t, "Red Running Shoes", a.Title)
	assert.Contains(t, a.MetaDescription, "red running shoes")
}

func TestHeuristicRotatesByIndex(t *testing.T) {
	r := Heuristic([]string{"red", "shoes"}, "", 1)

	assert.Equal(t, "Shoes Red 2", r.Title)
	assert.Equal(t, "Shoes red photo", r.AltText)
}

func TestHeuristicFallsBackToFilename(t *testing.T) {
	r := Heuristic(nil, "summer_beach-party.png", 0)
	assert.Equal(t, "Summer Beach Party", r.Title)

	r = Heuristic(nil, "", 0)
	assert.Equal(t, "Image", r.Title)
}

func TestParseResultRejectsIncompleteReply(t *testing.T) {
	_, err := parseResult(`{"alt_text": ""}`)
	assert.ErrorIs(t, err, ErrGenerationFailed)

	_, err = parseResult(`not json`)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestOpenAIAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		content, _ := json.Marshal(map[string]string{
			"alt_text":         "A pair of red running shoes",
			"title":            "Red Running Shoes",
			"meta_description": "Lightweight red running shoes on white.",
			"filename":         "red running shoes",
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": string(content)},
			}},
		})
	}))
	defer srv.Close()

	gen := NewOpenAI(models.MetadataConfig{APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o-mini", Timeout: 5 * time.Second})
	require.True(t, gen.IsConfigured())

	res, err := gen.Analyze(context.Background(), Image{Name: "a.png", Data: []byte("\x89PNG\r\n\x1a\n")}, []string{"shoes"})
	require.NoError(t, err)
	assert.Equal(t, "A pair of red running shoes", res.AltText)
	assert.Equal(t, "red running shoes", res.SuggestedFilename)
}

func TestOpenAIAnalyzeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen := NewOpenAI(models.MetadataConfig{APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o-mini", Timeout: 5 * time.Second})

	_, err := gen.Analyze(context.Background(), Image{Data: []byte("x")}, nil)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestOpenAIUnconfigured(t *testing.T) {
	gen := NewOpenAI(models.MetadataConfig{Model: "gpt-4o-mini"})
	assert.False(t, gen.IsConfigured())

	_, err := gen.Analyze(context.Background(), Image{}, nil)
	assert.ErrorIs(t, err, ErrGenerationFailed)
}
