package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultImageModel = "google/gemini-3-pro-image-preview"

// MediaStore persists generated media bytes.
type MediaStore interface {
	SaveImageBase64(encoded, format string) (path string, mediaType string, err error)
	SaveVideo(data []byte) (string, error)
}

// ImageGenerator produces images through an OpenRouter-compatible
// chat-completions endpoint with image modality enabled.
type ImageGenerator struct {
	BaseURL string
	APIKey  string
	Model   string
	Store   MediaStore
	Client  *http.Client
}

type imageResponse struct {
	Choices []struct {
		Message struct {
			Images []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *ImageGenerator) Generate(ctx context.Context, prompt string) Result {
	model := g.Model
	if model == "" {
		model = DefaultImageModel
	}
	payload := map[string]any{
		"model":      model,
		"messages":   []map[string]any{{"role": "user", "content": prompt}},
		"modalities": []string{"image", "text"},
		"max_tokens": 1024,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Err: fmt.Errorf("encode image request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("build image request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("image request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{Err: fmt.Errorf("image generation returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))}
	}

	var parsed imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{Err: fmt.Errorf("decode image response: %w", err)}
	}
	if len(parsed.Choices) == 0 || len(parsed.Choices[0].Message.Images) == 0 {
		return Result{Err: fmt.Errorf("model %s returned no image", model)}
	}

	uri := parsed.Choices[0].Message.Images[0].ImageURL.URL
	format, encoded, err := splitDataURI(uri)
	if err != nil {
		return Result{Err: err}
	}
	path, mediaType, err := g.Store.SaveImageBase64(encoded, format)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Path: path, MediaType: mediaType}
}

// splitDataURI extracts the image format and base64 payload from a data URI
// such as "data:image/png;base64,...".
func splitDataURI(uri string) (format, encoded string, err error) {
	if !strings.HasPrefix(uri, "data:image/") {
		return "", "", fmt.Errorf("unexpected image URL %.40q", uri)
	}
	rest := strings.TrimPrefix(uri, "data:image/")
	semi := strings.Index(rest, ";")
	comma := strings.Index(rest, ",")
	if semi < 0 || comma < 0 || comma < semi {
		return "", "", fmt.Errorf("malformed data URI %.40q", uri)
	}
	return rest[:semi], rest[comma+1:], nil
}

func (g *ImageGenerator) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 90 * time.Second}
}
