package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"imgconvert/internal/models"
)

const systemPrompt = `You write SEO metadata for product and web images.
Reply with a JSON object with the keys "alt_text", "title", "meta_description" and "filename".
The filename is a few lowercase words describing the image, without an extension.`

// OpenAI asks a vision model to describe the image.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	enabled bool
}

func NewOpenAI(cfg models.MetadataConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		enabled: cfg.APIKey != "",
	}
}

func (o *OpenAI) IsConfigured() bool {
	return o.enabled
}

func (o *OpenAI) Analyze(ctx context.Context, img Image, keywords []string) (Result, error) {
	const op = "metadata.OpenAI.Analyze"

	if !o.enabled {
		return Result{}, fmt.Errorf("%s: %w: no api key", op, ErrGenerationFailed)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)

	prompt := "Describe this image for search engines."
	if len(keywords) > 0 {
		prompt += " Relevant keywords: " + strings.Join(keywords, ", ") + "."
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: 300,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailLow,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w: %w", op, ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%s: %w: empty response", op, ErrGenerationFailed)
	}

	return parseResult(resp.Choices[0].Message.Content)
}

func parseResult(content string) (Result, error) {
	const op = "metadata.parseResult"

	var res Result
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		return Result{}, fmt.Errorf("%s: %w: %w", op, ErrGenerationFailed, err)
	}
	res.AltText = strings.TrimSpace(res.AltText)
	res.Title = strings.TrimSpace(res.Title)
	res.MetaDescription = strings.TrimSpace(res.MetaDescription)
	res.SuggestedFilename = strings.TrimSpace(res.SuggestedFilename)
	if res.AltText == "" || res.Title == "" {
		return Result{}, fmt.Errorf("%s: %w: missing fields", op, ErrGenerationFailed)
	}
	return res, nil
}
