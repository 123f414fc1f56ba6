// Package gemini implements the text-generation backend against the Google
// Gemini API. It is used when the configured provider is "gemini"; models
// that only exist on OpenRouter are not reachable through it.
package gemini

import (
	"context"
	"log"
	"strings"

	"google.golang.org/genai"

	"parlor/internal/backend"
	"parlor/internal/domain"
)

type Config struct {
	APIKey string
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

type Client struct {
	cfg    Config
	client *genai.Client
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, backend.Wrap(backend.ErrorKindAuth, "create gemini client", err)
	}
	return &Client{cfg: cfg, client: cli}, nil
}

// Call generates one turn. The genai SDK does not stream here, so the whole
// response is delivered as a single chunk before Call returns.
func (c *Client) Call(ctx context.Context, req backend.Request, onChunk backend.ChunkFunc) (string, error) {
	contents := buildContents(req)
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.Directive != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Directive, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", classify(err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", backend.Errorf(backend.ErrorKindEmptyResponse, "model %s returned no content", req.Model)
	}
	if onChunk != nil {
		onChunk(text)
	}
	return text, nil
}

// buildContents maps the context snapshot onto genai roles. The calling
// agent's own turns are RoleModel, everything else RoleUser.
func buildContents(req backend.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History))
	for _, m := range req.History {
		var role genai.Role = genai.RoleUser
		if m.Role == domain.RoleAgent && m.Slot == req.SelfSlot {
			role = genai.RoleModel
		}
		text := m.Text()
		if text == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}
	return contents
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "permission"):
		return backend.Wrap(backend.ErrorKindAuth, "gemini call rejected", err)
	case strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "429"):
		return backend.Wrap(backend.ErrorKindRateLimit, "gemini quota exceeded", err)
	default:
		return backend.Wrap(backend.ErrorKindNetwork, "gemini call failed", err)
	}
}
