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

const DefaultVideoModel = "sora-2"

// VideoGenerator renders videos through the OpenAI videos API: create a
// render job, poll until it settles, then download the MP4.
type VideoGenerator struct {
	BaseURL      string
	APIKey       string
	Model        string
	Store        MediaStore
	Client       *http.Client
	PollInterval time.Duration
}

type videoJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *VideoGenerator) Generate(ctx context.Context, prompt string) Result {
	model := g.Model
	if model == "" {
		model = DefaultVideoModel
	}
	job, err := g.create(ctx, model, prompt)
	if err != nil {
		return Result{Err: err}
	}

	interval := g.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for job.Status == "queued" || job.Status == "in_progress" {
		select {
		case <-ctx.Done():
			return Result{Err: fmt.Errorf("video render %s abandoned: %w", job.ID, ctx.Err())}
		case <-time.After(interval):
		}
		job, err = g.retrieve(ctx, job.ID)
		if err != nil {
			return Result{Err: err}
		}
	}
	if job.Status != "completed" {
		return Result{Err: fmt.Errorf("video render %s ended with status %q", job.ID, job.Status)}
	}

	data, err := g.download(ctx, job.ID)
	if err != nil {
		return Result{Err: err}
	}
	path, err := g.Store.SaveVideo(data)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Path: path, MediaType: "video/mp4"}
}

func (g *VideoGenerator) create(ctx context.Context, model, prompt string) (videoJob, error) {
	payload, err := json.Marshal(map[string]string{"model": model, "prompt": prompt})
	if err != nil {
		return videoJob{}, fmt.Errorf("encode video request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/videos", bytes.NewReader(payload))
	if err != nil {
		return videoJob{}, fmt.Errorf("build video request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var job videoJob
	if err := g.doJSON(req, &job); err != nil {
		return videoJob{}, fmt.Errorf("create video render: %w", err)
	}
	if job.ID == "" {
		return videoJob{}, fmt.Errorf("video create returned no job id")
	}
	return job, nil
}

func (g *VideoGenerator) retrieve(ctx context.Context, id string) (videoJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/videos/"+id, nil)
	if err != nil {
		return videoJob{}, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	var job videoJob
	if err := g.doJSON(req, &job); err != nil {
		return videoJob{}, fmt.Errorf("poll video render %s: %w", id, err)
	}
	return job, nil
}

func (g *VideoGenerator) download(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/videos/"+id+"/content", nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("download video %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("download video %s returned %d: %s", id, resp.StatusCode, strings.TrimSpace(string(text)))
	}
	return io.ReadAll(resp.Body)
}

func (g *VideoGenerator) doJSON(req *http.Request, out any) error {
	resp, err := g.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *VideoGenerator) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 5 * time.Minute}
}
