// Package llm wraps the classification, response, compaction, and PR
// alignment oracles. One model serves every call; prompts live in
// prompts/*.md and are filled by simple placeholder substitution.
package llm

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

//go:embed prompts/*.md
var promptFiles embed.FS

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Client struct {
	client openai.Client
	model  string
}

func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// Classify returns a verdict string in the KIND|category: content
// grammar the dispatcher parses.
func (c *Client) Classify(ctx context.Context, groundTruth, user, message, history string) (string, error) {
	if history == "" {
		history = "(no recent messages)"
	}
	system, err := loadPrompt("classify.md", map[string]string{
		"ground_truth": groundTruth,
		"user":         user,
		"message":      message,
		"history":      history,
	})
	if err != nil {
		return "", err
	}
	return c.complete(ctx, system, message, 256)
}

// Respond answers a free-form mention using the document, recent channel
// history, and the important-message log.
func (c *Client) Respond(ctx context.Context, groundTruth, message, history, messages string) (string, error) {
	if history == "" {
		history = "(no recent messages)"
	}
	if messages == "" {
		messages = "(no important messages yet)"
	}
	system, err := loadPrompt("respond.md", map[string]string{
		"ground_truth": groundTruth,
		"history":      history,
		"messages":     messages,
	})
	if err != nil {
		return "", err
	}
	return c.complete(ctx, system, message, 1024)
}

// Compact rewrites the whole document in condensed form.
func (c *Client) Compact(ctx context.Context, groundTruth string) (string, error) {
	system, err := loadPrompt("compaction.md", map[string]string{
		"ground_truth": groundTruth,
	})
	if err != nil {
		return "", err
	}
	return c.complete(ctx, system, "Compact this ground truth document.", 2048)
}

// ClassifyPR returns PASS or NUDGE: reason for one pull request.
func (c *Client) ClassifyPR(ctx context.Context, authorName, authorRole, prTitle, commits, groundTruth string) (string, error) {
	system, err := loadPrompt("pr_alignment.md", map[string]string{
		"author_name":  authorName,
		"author_role":  authorRole,
		"pr_title":     prTitle,
		"commits":      commits,
		"ground_truth": groundTruth,
	})
	if err != nil {
		return "", err
	}
	return c.complete(ctx, system, "Check this PR for alignment.", 128)
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxCompletionTokens: openai.Int(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func loadPrompt(name string, vars map[string]string) (string, error) {
	payload, err := promptFiles.ReadFile("prompts/" + name)
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", name, err)
	}
	prompt := string(payload)
	for key, value := range vars {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}
	return prompt, nil
}
