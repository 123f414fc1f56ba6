// Package openrouter implements the text-generation backend against the
// OpenRouter chat-completions API, including SSE streaming.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"parlor/internal/backend"
	"parlor/internal/domain"
)

// maxInlineImages bounds how many image-bearing messages keep their images in
// the request. Older images are dropped, their text is preserved.
const maxInlineImages = 5

const maxTokens = 4000

type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	Logger    *log.Logger
	Client    *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 180 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	return c
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

// wire types for the chat-completions payload.

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Call sends the request with streaming enabled and forwards each content
// delta to onChunk. An empty final response is retried once before it is
// reported as an empty_response error.
func (c *Client) Call(ctx context.Context, req backend.Request, onChunk backend.ChunkFunc) (string, error) {
	text, err := c.call(ctx, req, onChunk, true)
	if err != nil {
		var be *backend.Error
		if errors.As(err, &be) && be.Kind == backend.ErrorKindUnsupportedContent {
			c.cfg.Logger.Printf("openrouter: %s rejected images, retrying text-only", req.Model)
			return c.call(ctx, req, onChunk, false)
		}
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		c.cfg.Logger.Printf("openrouter: empty response from %s, retrying once", req.Model)
		text, err = c.call(ctx, req, onChunk, true)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", backend.Errorf(backend.ErrorKindEmptyResponse, "model %s returned no content", req.Model)
		}
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, req backend.Request, onChunk backend.ChunkFunc, includeImages bool) (string, error) {
	payload := chatPayload{
		Model:       req.Model,
		Messages:    buildMessages(req, includeImages),
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", backend.Wrap(backend.ErrorKindNetwork, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backend.Wrap(backend.ErrorKindNetwork, "build request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("X-Title", c.cfg.UserAgent)
	}

	resp, err := c.cfg.Client.Do(httpReq)
	if err != nil {
		return "", backend.Wrap(backend.ErrorKindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	return readStream(resp.Body, onChunk)
}

// buildMessages maps the turn's context snapshot onto chat roles. The calling
// agent's own prior turns become assistant messages, everything else is user
// content so that each participant sees the dialogue from its own seat.
func buildMessages(req backend.Request, includeImages bool) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	if req.Directive != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.Directive})
	}

	keep := map[int]bool{}
	if includeImages {
		var withImages []int
		for i, m := range req.History {
			if hasImage(m) {
				withImages = append(withImages, i)
			}
		}
		if len(withImages) > maxInlineImages {
			withImages = withImages[len(withImages)-maxInlineImages:]
		}
		for _, i := range withImages {
			keep[i] = true
		}
	}

	for i, m := range req.History {
		role := "user"
		if m.Role == domain.RoleAgent && m.Slot == req.SelfSlot {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: convertContent(m, keep[i])})
	}
	return msgs
}

func hasImage(m domain.Message) bool {
	for _, p := range m.Parts {
		if p.MediaPath != "" && strings.HasPrefix(p.MediaType, "image/") {
			return true
		}
	}
	return false
}

// convertContent renders a message as either a plain string or a structured
// part list with inline base64 images. Media that cannot be read degrades to
// its text description.
func convertContent(m domain.Message, includeImages bool) any {
	if !includeImages || !hasImage(m) {
		return m.Text()
	}
	parts := make([]contentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Text != "" {
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		}
		if p.MediaPath == "" || !strings.HasPrefix(p.MediaType, "image/") {
			continue
		}
		data, err := os.ReadFile(p.MediaPath)
		if err != nil {
			continue
		}
		uri := fmt.Sprintf("data:%s;base64,%s", p.MediaType, base64.StdEncoding.EncodeToString(data))
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageRef{URL: uri}})
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text
	}
	return parts
}

// readStream consumes the SSE body, forwarding content deltas and returning
// the concatenated text. Malformed data lines are skipped.
func readStream(r io.Reader, onChunk backend.ChunkFunc) (string, error) {
	var full strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw := strings.TrimSpace(line[len("data: "):])
		if raw == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}
	if err := sc.Err(); err != nil {
		return "", backend.Wrap(backend.ErrorKindNetwork, "stream interrupted", err)
	}
	return full.String(), nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backend.Errorf(backend.ErrorKindAuth, "authentication rejected (%d): %s", resp.StatusCode, text)
	case resp.StatusCode == http.StatusTooManyRequests:
		return backend.Errorf(backend.ErrorKindRateLimit, "rate limited: %s", text)
	case resp.StatusCode == http.StatusNotFound && strings.Contains(strings.ToLower(text), "support image"):
		return backend.Errorf(backend.ErrorKindUnsupportedContent, "model rejected image input: %s", text)
	default:
		return backend.Errorf(backend.ErrorKindNetwork, "unexpected status %d: %s", resp.StatusCode, text)
	}
}
