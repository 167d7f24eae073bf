package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Describe produces a natural-language description of one snapshot.
func (c *Client) Describe(ctx context.Context, imagePath string, ts time.Time) (string, float64, error) {
	part, err := imagePart(imagePath)
	if err != nil {
		return "", 0, err
	}
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: describeSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("Snapshot taken at %s. Describe it.", ts.Format("2006-01-02 15:04:05"))},
					part,
				},
			},
		},
		MaxTokens: 400,
	}
	resp, latency, err := c.call(ctx, "describe", req)
	if err != nil {
		return "", latency, err
	}
	text, err := c.firstChoice(resp)
	return text, latency, err
}

// ExtractTags asks for structured tags over an already-produced description.
// Failures here are soft: callers fall back to empty tags rather than
// dropping the record.
func (c *Client) ExtractTags(ctx context.Context, description string) (Tags, error) {
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: tagsSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
		MaxTokens: 200,
	}
	resp, _, err := c.call(ctx, "tags", req)
	if err != nil {
		return EmptyTags(), err
	}
	text, err := c.firstChoice(resp)
	if err != nil {
		return EmptyTags(), err
	}
	return ParseTags(text), nil
}

// Compare describes what changed between an earlier and a later snapshot.
// The labels identify each frame in the prompt, kind tags the usage record.
func (c *Client) Compare(ctx context.Context, earlierPath, laterPath, earlierLabel, laterLabel, kind string) (string, float64, error) {
	earlier, err := imagePart(earlierPath)
	if err != nil {
		return "", 0, err
	}
	later, err := imagePart(laterPath)
	if err != nil {
		return "", 0, err
	}
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: compareSystemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf("First image taken %s, second image taken %s. What changed?", earlierLabel, laterLabel)},
					earlier,
					later,
				},
			},
		},
		MaxTokens: 300,
	}
	resp, latency, err := c.call(ctx, "compare-"+kind, req)
	if err != nil {
		return "", latency, err
	}
	text, err := c.firstChoice(resp)
	return text, latency, err
}

// Summarize condenses one day of comparison texts into a report.
func (c *Client) Summarize(ctx context.Context, material string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: material},
		},
		MaxTokens: 600,
	}
	resp, _, err := c.call(ctx, "summarize", req)
	if err != nil {
		return "", err
	}
	return c.firstChoice(resp)
}

func (c *Client) firstChoice(resp openai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", &ErrEmptyResponse{Provider: c.cfg.Name}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &ErrEmptyResponse{Provider: c.cfg.Name}
	}
	return text, nil
}

// imagePart reads a snapshot and encodes it as an inline data-URL image
// part. Both endpoints accept inline base64, which spares us upload APIs.
func imagePart(path string) (openai.ChatMessagePart, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return openai.ChatMessagePart{}, fmt.Errorf("provider: read image: %w", err)
	}
	mime := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		mime = "image/png"
	}
	url := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(raw))
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
	}, nil
}
